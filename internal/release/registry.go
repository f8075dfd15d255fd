package release

import (
	"sync"
	"time"
)

// registry holds at most one armed timer per subscription.
//
// Every arm bumps a per-key version. A callback whose version is no longer
// current has been replaced or cancelled and returns without running, which
// covers the window where Stop() lost the race against an expiring timer.
type registry struct {
	mu   sync.Mutex
	jobs map[jobKey]*job
	ver  map[jobKey]uint64
}

type job struct {
	t   *time.Timer
	at  time.Time
	ver uint64
}

func newRegistry() *registry {
	return &registry{jobs: map[jobKey]*job{}, ver: map[jobKey]uint64{}}
}

// arm replaces any existing job for k. fn runs on the timer goroutine after
// the job has been removed from the registry.
func (r *registry) arm(k jobKey, at time.Time, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.jobs[k]; old != nil {
		old.t.Stop()
	}
	r.ver[k]++
	v := r.ver[k]
	j := &job{at: at, ver: v}
	j.t = time.AfterFunc(d, func() {
		if !r.claim(k, v) {
			return
		}
		fn()
	})
	r.jobs[k] = j
}

// claim removes the job if v is still the current version.
func (r *registry) claim(k jobKey, v uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[k]
	if j == nil || j.ver != v {
		return false
	}
	delete(r.jobs, k)
	return true
}

func (r *registry) cancel(k jobKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[k]
	if j == nil {
		return false
	}
	j.t.Stop()
	delete(r.jobs, k)
	r.ver[k]++
	return true
}

func (r *registry) get(k jobKey) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[k]
	if j == nil {
		return time.Time{}, false
	}
	return j.at, true
}

func (r *registry) counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[Kind]int{KindIndividual: 0, KindBroadcast: 0}
	for k := range r.jobs {
		out[k.kind]++
	}
	return out
}

func (r *registry) stopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, j := range r.jobs {
		j.t.Stop()
		delete(r.jobs, k)
		r.ver[k]++
		n++
	}
	return n
}
