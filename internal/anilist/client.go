// Package anilist resolves release metadata from the AniList GraphQL API.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"episodebot/internal/release"
	logx "episodebot/pkg/logx"
)

const DefaultEndpoint = "https://graphql.anilist.co"

const mediaQuery = `query ($id: Int) {
  Media(id: $id, type: ANIME) {
    id
    title { romaji english native }
    status
    nextAiringEpisode { airingAt timeUntilAiring episode }
    coverImage { large }
  }
}`

var (
	ErrRateLimited = errors.New("anilist: rate limited")
	ErrBadItemID   = errors.New("anilist: item id is not numeric")

	errCallerDone = errors.New("anilist: caller gave up")
)

type Config struct {
	Endpoint   string
	Timeout    time.Duration
	RatePerMin int
	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 60
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Client implements release.Resolver.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	breaker *cb.CircuitBreaker
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "anilist"))
	burst := cfg.RatePerMin / 10
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60), burst),
		log:     log,
	}
	c.breaker = cb.NewCircuitBreaker(cb.Settings{
		Name:        "anilist",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A missing item is an answer, not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, release.ErrNotFound) || errors.Is(err, ErrBadItemID) ||
				errors.Is(err, errCallerDone)
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change",
				logx.String("name", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) Resolve(ctx context.Context, itemID string) (release.Release, error) {
	id, err := strconv.Atoi(strings.TrimSpace(itemID))
	if err != nil {
		return release.Release{}, fmt.Errorf("%w: %q", ErrBadItemID, itemID)
	}
	// Waiting for the request budget happens outside the breaker so a sweep
	// that gives up while queued is not counted against the provider.
	if err := c.limiter.Wait(ctx); err != nil {
		return release.Release{}, fmt.Errorf("anilist rate limit wait: %w", err)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		m, err := c.fetch(ctx, id)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, ctx.Err())
		}
		return m, err
	})
	if err != nil {
		return release.Release{}, err
	}
	m := res.(*media)
	return m.toRelease(itemID), nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type mediaResponse struct {
	Data struct {
		Media *media `json:"Media"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

type media struct {
	ID    int `json:"id"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
		Native  string `json:"native"`
	} `json:"title"`
	Status            string `json:"status"`
	NextAiringEpisode *struct {
		AiringAt        int64 `json:"airingAt"`
		TimeUntilAiring int64 `json:"timeUntilAiring"`
		Episode         int   `json:"episode"`
	} `json:"nextAiringEpisode"`
	CoverImage struct {
		Large string `json:"large"`
	} `json:"coverImage"`
}

func (m *media) toRelease(itemID string) release.Release {
	r := release.Release{
		ItemID:     itemID,
		Title:      firstNonEmpty(m.Title.English, m.Title.Romaji, m.Title.Native),
		CoverImage: m.CoverImage.Large,
	}
	if n := m.NextAiringEpisode; n != nil && n.AiringAt > 0 {
		r.NextReleaseAt = time.Unix(n.AiringAt, 0)
		r.NextEpisode = n.Episode
	}
	return r
}

func (c *Client) fetch(ctx context.Context, id int) (*media, error) {
	body, err := json.Marshal(gqlRequest{Query: mediaQuery, Variables: map[string]any{"id": id}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anilist request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anilist read: %w", err)
	}
	c.log.Trace("media fetched",
		logx.Int("id", id),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	var out mediaResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: media %d", release.ErrNotFound, id)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: retry after %q", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("anilist status %d: %s", resp.StatusCode, summarize(out.Errors, raw))
	case decodeErr != nil:
		return nil, fmt.Errorf("anilist decode: %w", decodeErr)
	case len(out.Errors) > 0 && out.Data.Media == nil:
		for _, e := range out.Errors {
			if e.Status == http.StatusNotFound {
				return nil, fmt.Errorf("%w: media %d", release.ErrNotFound, id)
			}
		}
		return nil, fmt.Errorf("anilist: %s", summarize(out.Errors, raw))
	case out.Data.Media == nil:
		return nil, fmt.Errorf("%w: media %d", release.ErrNotFound, id)
	}
	return out.Data.Media, nil
}

func summarize(errs []gqlError, raw []byte) string {
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return strings.Join(msgs, "; ")
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
