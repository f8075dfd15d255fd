package release

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryReplacedTimerNeverRuns(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	k := jobKey{kind: KindIndividual, id: 1}
	var first, second atomic.Int32

	r.arm(k, time.Now(), 10*time.Millisecond, func() { first.Add(1) })
	r.arm(k, time.Now(), 30*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("runs = %d/%d, want 0/1", first.Load(), second.Load())
	}
	if _, ok := r.get(k); ok {
		t.Fatal("fired job should be removed")
	}
}

func TestRegistryStaleClaim(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	k := jobKey{kind: KindBroadcast, id: 2}
	r.arm(k, time.Now(), time.Hour, func() {})
	r.arm(k, time.Now(), time.Hour, func() {})

	if r.claim(k, 1) {
		t.Fatal("claim with a replaced version succeeded")
	}
	if !r.claim(k, 2) {
		t.Fatal("claim with the current version failed")
	}
	if n := r.stopAll(); n != 0 {
		t.Fatalf("stopAll = %d, want 0", n)
	}
}

func TestInflightGuard(t *testing.T) {
	t.Parallel()
	g := newInflight()
	k := jobKey{kind: KindIndividual, id: 3}
	if !g.tryAcquire(k) {
		t.Fatal("first acquire failed")
	}
	if g.tryAcquire(k) {
		t.Fatal("second acquire succeeded")
	}
	if !g.tryAcquire(jobKey{kind: KindBroadcast, id: 3}) {
		t.Fatal("keys must be scoped by kind")
	}
	g.release(k)
	if g.has(k) || g.len() != 1 {
		t.Fatalf("after release: has=%v len=%d", g.has(k), g.len())
	}
}

func TestErrorClass(t *testing.T) {
	t.Parallel()
	base := errors.New("timeout")
	err := fmt.Errorf("sweep: %w", classify(ClassTransient, "resolve", base))
	if !IsTransient(err) || IsPersistence(err) {
		t.Fatalf("class = %v", ClassOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("classified error should unwrap")
	}
	if ClassOf(base) != ClassUnknown {
		t.Fatal("plain errors are unknown")
	}
	if classify(ClassDelivery, "x", nil) != nil {
		t.Fatal("nil stays nil")
	}
}
