package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"episodebot/internal/eventbus"
	kit "episodebot/internal/transport"
	logx "episodebot/pkg/logx"
)

var ErrNoSender = errors.New("notifier: no sender configured")

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender kit.Sender
	bus    eventbus.Bus
	log    logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, deduped, retried atomic.Uint64
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier")),
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps limits on a running service.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load(), Retried: s.retried.Load()}
}

// Send delivers m, retrying transient failures. A suppressed duplicate returns nil.
func (s *Service) Send(ctx context.Context, m Message) error {
	if s.sender == nil {
		return ErrNoSender
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	key := dedupKey(m)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow) {
		s.deduped.Add(1)
		s.publish("notifier.deduped", m, key, nil)
		return nil
	}

	err := retry.Do(
		func() error {
			if err := lim.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			_, err := s.sender.SendText(callCtx, m.Target, m.Text, m.Options)
			if err != nil && errors.Is(err, kit.ErrPermanent) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(cfg.RetryMax)+1),
		retry.Delay(cfg.RetryBase),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.MaxJitter(cfg.RetryBase),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.retried.Add(1)
			s.log.Debug("send failed; retrying",
				logx.Int64("chat_id", m.Target.ChatID),
				logx.Uint64("attempt", uint64(n)+1),
				logx.Err(err),
			)
		}),
	)
	if err != nil {
		s.failed.Add(1)
		s.forget(key)
		s.publish("notifier.failed", m, key, err)
		return fmt.Errorf("send to %d: %w", m.Target.ChatID, err)
	}
	s.sent.Add(1)
	s.publish("notifier.sent", m, key, nil)
	return nil
}

func (s *Service) publish(typ string, m Message, key string, err error) {
	ev := NotificationEvent{ChatID: m.Target.ChatID, ThreadID: m.Target.ThreadID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", m.Target.ChatID, m.Target.ThreadID)
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// forget clears the dedup window after a failed send so a later attempt is not suppressed.
func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}
