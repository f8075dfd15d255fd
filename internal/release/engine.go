package release

import (
	"context"
	"sync"
	"time"

	"episodebot/internal/eventbus"
	logx "episodebot/pkg/logx"
)

type Config struct {
	// SweepDelay is the pause between provider calls during catch-up and refresh.
	SweepDelay time.Duration
	// ImminentWindow is the lookahead used by Imminent.
	ImminentWindow time.Duration
	// PersistRetryMax bounds attempts when writing the next release time.
	PersistRetryMax   uint
	PersistRetryDelay time.Duration
	// DeliveredTTL is how long a delivered event key is remembered.
	DeliveredTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepDelay < 0 {
		c.SweepDelay = 0
	}
	if c.ImminentWindow <= 0 {
		c.ImminentWindow = 2 * time.Minute
	}
	if c.PersistRetryMax == 0 {
		c.PersistRetryMax = 5
	}
	if c.PersistRetryDelay <= 0 {
		c.PersistRetryDelay = 200 * time.Millisecond
	}
	if c.DeliveredTTL <= 0 {
		c.DeliveredTTL = 30 * 24 * time.Hour
	}
	return c
}

type Deps struct {
	Store      Store
	Checkpoint CheckpointStore
	Resolver   Resolver
	Dispatcher Dispatcher
	Bus        eventbus.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine schedules one delivery per subscription and keeps the schedule in
// step with the provider.
type Engine struct {
	cfg        Config
	store      Store
	checkpoint CheckpointStore
	resolver   Resolver
	dispatcher Dispatcher
	bus        eventbus.Bus
	now        func() time.Time
	log        logx.Logger

	jobs  *registry
	guard *inflight
	// sweep serializes Initialize and Refresh.
	sweep sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	fires   sync.WaitGroup

	st stats
}

func New(cfg Config, deps Deps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		checkpoint: deps.Checkpoint,
		resolver:   deps.Resolver,
		dispatcher: deps.Dispatcher,
		bus:        deps.Bus,
		now:        deps.Now,
		log:        log.With(logx.String("comp", "release")),
		jobs:       newRegistry(),
		guard:      newInflight(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Initialize recovers state after a start: it fires every event that came
// due since the last checkpoint, arms a timer for every future event and
// then advances the checkpoint.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}
	e.sweep.Lock()
	defer e.sweep.Unlock()

	start := time.Now()
	last, err := e.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	caught, err := e.catchUp(ctx, last, now)
	if err != nil {
		return err
	}
	armed, late, err := e.rehydrate(ctx, now)
	if err != nil {
		return err
	}
	if err := e.saveCheckpoint(ctx, now); err != nil {
		return err
	}
	e.log.Info("initialized",
		logx.At("since", last),
		logx.Int("caught_up", caught),
		logx.Int("armed", armed),
		logx.Int("late", late),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (e *Engine) rehydrate(ctx context.Context, now time.Time) (armed, late int, err error) {
	rows, err := e.store.ListUpcoming(ctx, now)
	if err != nil {
		return 0, 0, classify(ClassPersistence, "list upcoming", err)
	}
	for _, sub := range rows {
		if e.Schedule(sub) {
			armed++
			continue
		}
		// Came due between the query and Schedule.
		if !sub.NextReleaseAt.IsZero() {
			e.spawn(sub)
			late++
		}
	}
	return armed, late, nil
}

// Schedule arms a one-shot timer at sub.NextReleaseAt, replacing any timer
// already armed for the same subscription. It is a no-op when the release
// time is unset or not in the future, and reports whether a timer was armed.
func (e *Engine) Schedule(sub Subscription) bool {
	if sub.NextReleaseAt.IsZero() || !sub.Kind.Valid() || e.isStopped() {
		return false
	}
	d := sub.NextReleaseAt.Sub(e.now())
	if d <= 0 {
		return false
	}
	e.jobs.arm(sub.key(), sub.NextReleaseAt, d, func() { e.runFire(sub) })
	e.log.Debug("armed",
		logx.String("sub", sub.key().String()),
		logx.At("at", sub.NextReleaseAt),
		logx.Duration("in", d),
	)
	return true
}

// Cancel revokes a pending timer. A fire that already started is not
// interrupted and may still re-arm. Reports whether a timer was removed.
func (e *Engine) Cancel(kind Kind, id int64) bool {
	ok := e.jobs.cancel(jobKey{kind: kind, id: id})
	if ok {
		e.log.Debug("cancelled", logx.String("sub", jobKey{kind: kind, id: id}.String()))
	}
	return ok
}

// Pending reports the armed release time for a subscription.
func (e *Engine) Pending(kind Kind, id int64) (time.Time, bool) {
	return e.jobs.get(jobKey{kind: kind, id: id})
}

// Stop disarms every timer and waits for running fires to return.
// Rows stay as they are; the next Initialize rebuilds the schedule.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	n := e.jobs.stopAll()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("stopped", logx.Int("disarmed", n))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// begin registers a background fire unless the engine is stopping.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.fires.Add(1)
	return true
}

func (e *Engine) runFire(sub Subscription) {
	if !e.begin() {
		return
	}
	defer e.fires.Done()
	e.fire(e.ctx, sub)
}

func (e *Engine) spawn(sub Subscription) {
	if !e.begin() {
		return
	}
	go func() {
		defer e.fires.Done()
		e.fire(e.ctx, sub)
	}()
}

func (e *Engine) loadCheckpoint(ctx context.Context) (time.Time, error) {
	at, ok, err := e.checkpoint.GetCheckpoint(ctx)
	if err != nil {
		return time.Time{}, classify(ClassPersistence, "read checkpoint", err)
	}
	if !ok {
		return time.UnixMilli(0), nil
	}
	return at, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, at time.Time) error {
	if err := e.checkpoint.PutCheckpoint(ctx, at); err != nil {
		return classify(ClassPersistence, "write checkpoint", err)
	}
	e.st.setCheckpoint(at)
	return nil
}

func (e *Engine) publish(typ string, sub Subscription, at time.Time, err error) {
	e.bus.Publish(eventbus.Event{Type: typ, Data: EventData{
		Kind:   sub.Kind,
		ID:     sub.ID,
		ItemID: sub.ItemID,
		At:     at,
		Err:    err,
	}})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
