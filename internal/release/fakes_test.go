package release

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	logx "episodebot/pkg/logx"
)

type memRows struct {
	mu         sync.Mutex
	rows       map[jobKey]Subscription
	delivered  map[string]time.Time
	failWrites int
	writes     int
}

func newMemRows(subs ...Subscription) *memRows {
	m := &memRows{rows: map[jobKey]Subscription{}, delivered: map[string]time.Time{}}
	for _, s := range subs {
		m.rows[s.key()] = s
	}
	return m
}

func (m *memRows) list(keep func(Subscription) bool) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.rows {
		if !s.NextReleaseAt.IsZero() && keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextReleaseAt.Before(out[j].NextReleaseAt) })
	return out
}

func (m *memRows) ListDue(_ context.Context, from, to time.Time) ([]Subscription, error) {
	return m.list(func(s Subscription) bool {
		return s.NextReleaseAt.After(from) && !s.NextReleaseAt.After(to)
	}), nil
}

func (m *memRows) ListUpcoming(_ context.Context, after time.Time) ([]Subscription, error) {
	return m.list(func(s Subscription) bool { return s.NextReleaseAt.After(after) }), nil
}

func (m *memRows) ListScheduled(context.Context) ([]Subscription, error) {
	return m.list(func(Subscription) bool { return true }), nil
}

func (m *memRows) UpdateNextRelease(_ context.Context, kind Kind, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrites > 0 {
		m.failWrites--
		return errors.New("database is locked")
	}
	k := jobKey{kind: kind, id: id}
	s, ok := m.rows[k]
	if !ok {
		return nil
	}
	s.NextReleaseAt = at
	m.rows[k] = s
	return nil
}

func (m *memRows) PutDelivered(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[key] = until
	return nil
}

func (m *memRows) GetDelivered(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.delivered[key]
	return u, ok, nil
}

func (m *memRows) get(kind Kind, id int64) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[jobKey{kind: kind, id: id}]
}

type memCheckpoint struct {
	mu sync.Mutex
	at time.Time
	ok bool
}

func (c *memCheckpoint) GetCheckpoint(context.Context) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at, c.ok, nil
}

func (c *memCheckpoint) PutCheckpoint(_ context.Context, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at, c.ok = at, true
	return nil
}

func (c *memCheckpoint) value() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

type resolverFunc func(ctx context.Context, itemID string) (Release, error)

func (f resolverFunc) Resolve(ctx context.Context, itemID string) (Release, error) {
	return f(ctx, itemID)
}

func fixedRelease(rel Release) resolverFunc {
	return func(context.Context, string) (Release, error) { return rel, nil }
}

type delivery struct {
	n  Notification
	at time.Time
}

type recorder struct {
	mu   sync.Mutex
	got  []delivery
	fail error
}

func (r *recorder) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{n: n, at: time.Now()})
	return r.fail
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recorder) count() int { return len(r.all()) }

type harness struct {
	e    *Engine
	rows *memRows
	cp   *memCheckpoint
	out  *recorder
}

func newHarness(t *testing.T, res Resolver, subs ...Subscription) *harness {
	t.Helper()
	h := &harness{rows: newMemRows(subs...), cp: &memCheckpoint{}, out: &recorder{}}
	h.e = New(Config{PersistRetryDelay: time.Millisecond}, Deps{
		Store:      h.rows,
		Checkpoint: h.cp,
		Resolver:   res,
		Dispatcher: h.out,
	}, logx.Nop())
	t.Cleanup(func() { _ = h.e.Stop(context.Background()) })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
