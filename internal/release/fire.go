package release

import (
	"context"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	logx "episodebot/pkg/logx"
)

type outcome int

const (
	outcomeSuppressed outcome = iota
	outcomeAborted
	outcomeRearmed
	outcomeDormant
	// outcomeStale: the provider still reports a release that is not in the future.
	outcomeStale
)

// fire delivers one release event and re-arms the subscription for the next one.
func (e *Engine) fire(ctx context.Context, sub Subscription) outcome {
	k := sub.key()
	log := e.log.With(logx.String("sub", k.String()), logx.String("item", sub.ItemID))

	if !e.guard.tryAcquire(k) {
		e.st.suppressed.Add(1)
		log.Debug("fire suppressed: already in flight")
		return outcomeSuppressed
	}
	defer e.guard.release(k)

	rel, err := e.resolver.Resolve(ctx, sub.ItemID)
	if err != nil {
		err = classify(ClassTransient, "resolve", err)
		e.st.resolveFailed.Add(1)
		log.Warn("resolve failed; row left for refresh", logx.Err(err))
		e.publish(EventResolveFailed, sub, sub.NextReleaseAt, err)
		return outcomeAborted
	}

	e.deliver(ctx, log, sub, rel)
	return e.rearm(ctx, log, sub, rel)
}

func (e *Engine) deliver(ctx context.Context, log logx.Logger, sub Subscription, rel Release) {
	key := deliveryKey(sub)
	if _, seen, err := e.store.GetDelivered(ctx, key); err != nil {
		log.Warn("delivery log lookup failed", logx.Err(err))
	} else if seen {
		e.st.suppressed.Add(1)
		log.Info("already delivered; not resending", logx.At("at", sub.NextReleaseAt))
		return
	}

	n := Notification{
		Subscription: sub,
		Title:        firstNonEmpty(sub.DisplayTitle, rel.Title, sub.ItemID),
		Episode:      rel.AiredEpisode(),
		AiredAt:      sub.NextReleaseAt,
		CoverImage:   rel.CoverImage,
	}
	start := time.Now()
	if err := e.dispatcher.Deliver(ctx, n); err != nil {
		err = classify(ClassDelivery, "deliver", err)
		e.st.deliveryFailed.Add(1)
		log.Warn("delivery failed", logx.Err(err))
	} else {
		e.st.delivered.Add(1)
		log.Info("delivered",
			logx.String("episode", n.EpisodeLabel()),
			logx.Duration("took", time.Since(start)),
		)
		e.publish(EventDelivered, sub, sub.NextReleaseAt, nil)
	}

	// A failed send is recorded too; it is not retried.
	if err := e.store.PutDelivered(ctx, key, e.now().Add(e.cfg.DeliveredTTL)); err != nil {
		log.Warn("delivery log write failed", logx.Err(err))
	}
}

func (e *Engine) rearm(ctx context.Context, log logx.Logger, sub Subscription, rel Release) outcome {
	next := rel.NextReleaseAt
	switch {
	case next.IsZero():
		if err := e.persist(ctx, log, sub, time.Time{}); err != nil {
			return outcomeAborted
		}
		e.st.dormant.Add(1)
		log.Info("no further release; dormant")
		e.publish(EventDormant, sub, time.Time{}, nil)
		return outcomeDormant

	case next.After(e.now()):
		// The timer is armed even if the write failed so this process keeps notifying.
		_ = e.persist(ctx, log, sub, next)
		sub.NextReleaseAt = next
		e.Schedule(sub)
		e.st.rearmed.Add(1)
		log.Debug("rearmed", logx.At("next", next))
		e.publish(EventRearmed, sub, next, nil)
		return outcomeRearmed

	default:
		log.Info("provider has not advanced yet; waiting for refresh", logx.At("reported", next))
		return outcomeStale
	}
}

// persist writes the next release time, retrying with backoff.
func (e *Engine) persist(ctx context.Context, log logx.Logger, sub Subscription, at time.Time) error {
	err := retry.Do(
		func() error {
			return e.store.UpdateNextRelease(ctx, sub.Kind, sub.ID, at)
		},
		retry.Attempts(e.cfg.PersistRetryMax),
		retry.Delay(e.cfg.PersistRetryDelay),
		retry.MaxDelay(16*e.cfg.PersistRetryDelay),
		retry.MaxJitter(e.cfg.PersistRetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("persist failed; retrying", logx.Uint64("attempt", uint64(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		err = classify(ClassPersistence, "update next release", err)
		e.st.persistFailed.Add(1)
		log.Error("persist gave up", logx.At("next", at), logx.Err(err))
		return err
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
