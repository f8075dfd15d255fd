package release

import (
	"context"
	"time"

	"github.com/google/uuid"

	logx "episodebot/pkg/logx"
)

// catchUp fires every row due in (from, to], one at a time.
func (e *Engine) catchUp(ctx context.Context, from, to time.Time) (int, error) {
	rows, err := e.store.ListDue(ctx, from, to)
	if err != nil {
		return 0, classify(ClassPersistence, "list due", err)
	}
	n := 0
	for i, sub := range rows {
		if i > 0 {
			if err := sleepCtx(ctx, e.cfg.SweepDelay); err != nil {
				return n, err
			}
		}
		e.fire(ctx, sub)
		n++
	}
	e.st.setCatchUp(e.now())
	return n, nil
}

// Refresh runs the periodic reconciliation: catch-up against the
// checkpoint, then a provider check of every scheduled row. It returns
// ErrSweepRunning without doing anything if a sweep is already running.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}
	if !e.sweep.TryLock() {
		e.log.Warn("refresh skipped: previous sweep still running")
		return ErrSweepRunning
	}
	defer e.sweep.Unlock()

	start := time.Now()
	log := e.log.With(logx.String("run", uuid.NewString()))

	last, err := e.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	caught, err := e.catchUp(ctx, last, now)
	if err != nil {
		return err
	}
	if err := e.saveCheckpoint(ctx, now); err != nil {
		return err
	}

	rows, err := e.store.ListScheduled(ctx)
	if err != nil {
		return classify(ClassPersistence, "list scheduled", err)
	}
	checked, drift := 0, 0
	for _, sub := range rows {
		if e.guard.has(sub.key()) {
			continue
		}
		if checked > 0 {
			if err := sleepCtx(ctx, e.cfg.SweepDelay); err != nil {
				return err
			}
		}
		checked++
		rel, err := e.resolver.Resolve(ctx, sub.ItemID)
		if err != nil {
			e.st.resolveFailed.Add(1)
			log.Warn("refresh resolve failed",
				logx.String("sub", sub.key().String()),
				logx.Err(classify(ClassTransient, "resolve", err)),
			)
			e.publish(EventResolveFailed, sub, sub.NextReleaseAt, err)
			continue
		}
		if e.reconcile(ctx, log, sub, rel) {
			drift++
		}
	}

	e.st.setRefresh(e.now())
	log.Info("refresh complete",
		logx.Int("caught_up", caught),
		logx.Int("checked", checked),
		logx.Int("drift", drift),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// reconcile adopts a provider release time that differs from the stored
// one. An ended item whose stored release already passed goes dormant; a
// stored release still in the future is left for the fire path. Reports
// whether the row was corrected.
func (e *Engine) reconcile(ctx context.Context, log logx.Logger, sub Subscription, rel Release) bool {
	next := rel.NextReleaseAt
	k := sub.key()
	if next.IsZero() {
		if sub.NextReleaseAt.After(e.now()) {
			return false
		}
		if err := e.persist(ctx, log.With(logx.String("sub", k.String())), sub, time.Time{}); err != nil {
			return false
		}
		e.st.dormant.Add(1)
		log.Info("ended item marked dormant", logx.String("sub", k.String()))
		e.publish(EventDormant, sub, time.Time{}, nil)
		return true
	}
	if !next.After(e.now()) {
		return false
	}
	if next.Equal(sub.NextReleaseAt) {
		if _, armed := e.jobs.get(k); !armed {
			e.Schedule(sub)
		}
		return false
	}

	log.Info("release time drifted",
		logx.String("sub", k.String()),
		logx.At("stored", sub.NextReleaseAt),
		logx.At("provider", next),
	)
	_ = e.persist(ctx, log.With(logx.String("sub", k.String())), sub, next)
	sub.NextReleaseAt = next
	e.Schedule(sub)
	e.st.drift.Add(1)
	e.publish(EventDrift, sub, next, nil)
	return true
}

// Imminent arms rows that come due within the lookahead window but have no
// timer yet, such as rows written without a Schedule call.
func (e *Engine) Imminent(ctx context.Context) (int, error) {
	if e.isStopped() {
		return 0, ErrStopped
	}
	now := e.now()
	rows, err := e.store.ListDue(ctx, now, now.Add(e.cfg.ImminentWindow))
	if err != nil {
		return 0, classify(ClassPersistence, "list imminent", err)
	}
	n := 0
	for _, sub := range rows {
		k := sub.key()
		if _, armed := e.jobs.get(k); armed || e.guard.has(k) {
			continue
		}
		if e.Schedule(sub) {
			n++
		}
	}
	e.st.setImminent(now)
	if n > 0 {
		e.log.Info("armed imminent releases", logx.Int("count", n))
	}
	return n, nil
}
