package anilist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cb "github.com/sony/gobreaker"

	"episodebot/internal/release"
	logx "episodebot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	cfg.Endpoint = srv.URL
	if cfg.RatePerMin == 0 {
		cfg.RatePerMin = 6000
	}
	return New(cfg, logx.Nop()), &hits
}

func TestResolveNextEpisode(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if id, _ := req.Variables["id"].(float64); id != 21 {
			t.Errorf("variables = %v", req.Variables)
		}
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":21,"title":{"romaji":"One Piece","english":""},
			"status":"RELEASING","nextAiringEpisode":{"airingAt":1700000000,"timeUntilAiring":60,"episode":1085},
			"coverImage":{"large":"https://img/21.jpg"}}}}`))
	}, Config{})

	rel, err := c.Resolve(context.Background(), "21")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rel.Title != "One Piece" || rel.CoverImage != "https://img/21.jpg" {
		t.Fatalf("release = %+v", rel)
	}
	if !rel.NextReleaseAt.Equal(time.UnixMilli(1_700_000_000_000)) || rel.NextEpisode != 1085 || rel.AiredEpisode() != 1084 {
		t.Fatalf("next = %v ep %d", rel.NextReleaseAt, rel.NextEpisode)
	}
}

func TestResolveFinishedItemHasNoNextRelease(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":5,"title":{"english":"Done"},"status":"FINISHED","nextAiringEpisode":null}}}`))
	}, Config{})

	rel, err := c.Resolve(context.Background(), "5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rel.NextReleaseAt.IsZero() || rel.Title != "Done" {
		t.Fatalf("release = %+v", rel)
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"data":{"Media":null},"errors":[{"message":"Not Found.","status":404}]}`))
	}, Config{})

	if _, err := c.Resolve(context.Background(), "404"); !errors.Is(err, release.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := c.Resolve(context.Background(), "abc"); !errors.Is(err, ErrBadItemID) {
		t.Fatalf("err = %v, want ErrBadItemID", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, Config{BreakerFailures: 2, BreakerCooldown: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(context.Background(), "1"); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	_, err := c.Resolve(context.Background(), "1")
	if !errors.Is(err, cb.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("server hits = %d, want 2", n)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, Config{BreakerFailures: 1, BreakerCooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(context.Background(), "9"); !errors.Is(err, release.ErrNotFound) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("server hits = %d, want 3", n)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}, Config{})

	if _, err := c.Resolve(context.Background(), "1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestCallerCancelDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, Config{BreakerFailures: 1, BreakerCooldown: time.Hour})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.Resolve(ctx, "1")
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d err = %v, want deadline exceeded", i, err)
		}
	}
	if st := c.breaker.State(); st != cb.StateClosed {
		t.Fatalf("breaker = %v, want closed", st)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("server hits = %d, want 3", n)
	}
}

func TestRateLimitWaitIsOutsideBreaker(t *testing.T) {
	t.Parallel()
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"Media":{"id":1,"title":{"english":"A"},"status":"FINISHED"}}}`))
	}, Config{RatePerMin: 1, BreakerFailures: 1, BreakerCooldown: time.Hour})

	if _, err := c.Resolve(context.Background(), "1"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	// The single token is spent; a short deadline cannot wait for the next one.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := c.Resolve(ctx, "1")
		cancel()
		if err == nil {
			t.Fatalf("call %d should fail while the limiter is empty", i)
		}
	}
	if st := c.breaker.State(); st != cb.StateClosed {
		t.Fatalf("breaker = %v, want closed", st)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hits = %d, want 1", n)
	}
}
