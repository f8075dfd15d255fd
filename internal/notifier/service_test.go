package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"episodebot/internal/eventbus"
	kit "episodebot/internal/transport"
	logx "episodebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	errs  []error
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	s := New(testConfig(), fs, nil, logx.Nop())

	if err := s.Send(context.Background(), Message{Target: kit.ChatTarget{ChatID: 7}, Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := fs.count(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	st := s.Stats()
	if st.Sent != 1 || st.Retried != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{errs: []error{fmt.Errorf("chat not found: %w", kit.ErrPermanent)}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(testConfig(), fs, bus, logx.Nop())

	err := s.Send(context.Background(), Message{Target: kit.ChatTarget{ChatID: 7}, Text: "hi"})
	if !errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
	if got := fs.count(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	select {
	case ev := <-ch:
		if ev.Type != "notifier.failed" {
			t.Fatalf("event = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	fs := &fakeSender{errs: []error{boom, boom, boom, boom, boom}}
	s := New(testConfig(), fs, nil, logx.Nop())

	if err := s.Send(context.Background(), Message{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if got := fs.count(); got != 4 {
		t.Fatalf("calls = %d, want 4", got)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("failed = %d", s.Stats().Failed)
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	fs := &fakeSender{}
	s := New(cfg, fs, nil, logx.Nop())
	ctx := context.Background()

	m := Message{Target: kit.ChatTarget{ChatID: 5}, Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	other := Message{Target: kit.ChatTarget{ChatID: 5, ThreadID: 9}, Text: "same"}
	if err := s.Send(ctx, other); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := fs.count(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if s.Stats().Deduped != 2 {
		t.Fatalf("deduped = %d, want 2", s.Stats().Deduped)
	}
}

func TestFailedSendClearsDedup(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryMax = 0
	cfg.DedupWindow = time.Minute
	fs := &fakeSender{errs: []error{errors.New("down")}}
	s := New(cfg, fs, nil, logx.Nop())
	m := Message{Target: kit.ChatTarget{ChatID: 5}, Text: "again"}

	if err := s.Send(context.Background(), m); err == nil {
		t.Fatal("first send should fail")
	}
	if err := s.Send(context.Background(), m); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := fs.count(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestNoSender(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, nil, logx.Nop())
	if err := s.Send(context.Background(), Message{}); !errors.Is(err, ErrNoSender) {
		t.Fatalf("err = %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, Message{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
