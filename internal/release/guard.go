package release

import "sync"

// inflight marks subscriptions that are currently executing a delivery.
type inflight struct {
	mu  sync.Mutex
	ids map[jobKey]struct{}
}

func newInflight() *inflight { return &inflight{ids: map[jobKey]struct{}{}} }

func (g *inflight) tryAcquire(k jobKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.ids[k]; busy {
		return false
	}
	g.ids[k] = struct{}{}
	return true
}

func (g *inflight) release(k jobKey) {
	g.mu.Lock()
	delete(g.ids, k)
	g.mu.Unlock()
}

func (g *inflight) has(k jobKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ids[k]
	return ok
}

func (g *inflight) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ids)
}
