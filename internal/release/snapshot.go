package release

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the bus.
const (
	EventDelivered     = "release.delivered"
	EventRearmed       = "release.rearmed"
	EventDormant       = "release.dormant"
	EventDrift         = "release.drift"
	EventResolveFailed = "release.resolve_failed"
)

// EventData is the payload of every release.* event.
type EventData struct {
	Kind   Kind
	ID     int64
	ItemID string
	At     time.Time
	Err    error
}

type stats struct {
	delivered      atomic.Uint64
	deliveryFailed atomic.Uint64
	rearmed        atomic.Uint64
	dormant        atomic.Uint64
	drift          atomic.Uint64
	resolveFailed  atomic.Uint64
	persistFailed  atomic.Uint64
	suppressed     atomic.Uint64

	mu           sync.Mutex
	checkpoint   time.Time
	lastCatchUp  time.Time
	lastRefresh  time.Time
	lastImminent time.Time
}

func (s *stats) setCheckpoint(t time.Time) { s.mu.Lock(); s.checkpoint = t; s.mu.Unlock() }
func (s *stats) setCatchUp(t time.Time)    { s.mu.Lock(); s.lastCatchUp = t; s.mu.Unlock() }
func (s *stats) setRefresh(t time.Time)    { s.mu.Lock(); s.lastRefresh = t; s.mu.Unlock() }
func (s *stats) setImminent(t time.Time)   { s.mu.Lock(); s.lastImminent = t; s.mu.Unlock() }

type Snapshot struct {
	Armed    map[Kind]int
	InFlight int

	Checkpoint   time.Time
	LastCatchUp  time.Time
	LastRefresh  time.Time
	LastImminent time.Time

	Delivered      uint64
	DeliveryFailed uint64
	Rearmed        uint64
	Dormant        uint64
	Drift          uint64
	ResolveFailed  uint64
	PersistFailed  uint64
	Suppressed     uint64
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Armed:          e.jobs.counts(),
		InFlight:       e.guard.len(),
		Delivered:      e.st.delivered.Load(),
		DeliveryFailed: e.st.deliveryFailed.Load(),
		Rearmed:        e.st.rearmed.Load(),
		Dormant:        e.st.dormant.Load(),
		Drift:          e.st.drift.Load(),
		ResolveFailed:  e.st.resolveFailed.Load(),
		PersistFailed:  e.st.persistFailed.Load(),
		Suppressed:     e.st.suppressed.Load(),
	}
	e.st.mu.Lock()
	s.Checkpoint = e.st.checkpoint
	s.LastCatchUp = e.st.lastCatchUp
	s.LastRefresh = e.st.lastRefresh
	s.LastImminent = e.st.lastImminent
	e.st.mu.Unlock()
	return s
}
