package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"episodebot/internal/anilist"
	"episodebot/internal/config"
	"episodebot/internal/delivery"
	"episodebot/internal/eventbus"
	"episodebot/internal/notifier"
	"episodebot/internal/observability/status"
	"episodebot/internal/release"
	"episodebot/internal/runtime/supervisor"
	"episodebot/internal/storage"
	"episodebot/internal/task/scheduler"
	kit "episodebot/internal/transport"
	"episodebot/internal/transport/telegram"
	logx "episodebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	checkpoint storage.Checkpoint
	adapter    kit.Adapter
	notif      *notifier.Service
	engine     *release.Engine
	sched      *scheduler.Service
	status     *status.Service

	triggers triggers
}

// Status is what GET /status returns.
type Status struct {
	Release   release.Snapshot   `json:"release"`
	Notifier  notifier.Stats     `json:"notifier"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	// Release what was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	cp, err := storage.OpenCheckpoint(ctx, mapCheckpointConfig(cfg), store, log)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() {
		if !ok {
			_ = cp.Close()
		}
	}()

	alCfg, err := mapAniListConfig(cfg)
	if err != nil {
		return nil, err
	}
	resolver := anilist.New(alCfg, log)

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, log)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, bus, log)

	rc, tr, err := mapReleaseConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := release.New(rc, release.Deps{
		Store:      store,
		Checkpoint: cp,
		Resolver:   resolver,
		Dispatcher: delivery.New(store, notif, log),
		Bus:        bus,
	}, log)

	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		store:      store,
		checkpoint: cp,
		adapter:    ad,
		notif:      notif,
		engine:     eng,
		sched:      scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log, bus),
		triggers:   tr,
	}
	a.status = status.New(stCfg, func() any { return a.Status() }, log)
	ok = true
	return a, nil
}

func (a *App) Status() Status {
	return Status{
		Release:   a.engine.Snapshot(),
		Notifier:  a.notif.Stats(),
		Scheduler: a.sched.Snapshot(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.status.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", a.logEvents)

	// Initialize retries with backoff; a failed pass leaves the checkpoint untouched.
	a.sup.GoRestart("release.initialize", func(c context.Context) error {
		if err := a.engine.Initialize(c); err != nil {
			a.log.Warn("initialize failed", logx.Err(err))
			return err
		}
		if err := a.registerTriggers(); err != nil {
			return err
		}
		a.logSnapshot("initialize")
		sdNotify(a.log, daemon.SdNotifyReady)
		return nil
	}, time.Second, time.Minute)

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) registerTriggers() error {
	tr := a.triggers
	err := a.sched.AddSchedule("release.refresh", tr.refresh, tr.refreshTimeout, func(c context.Context) error {
		err := a.engine.Refresh(c)
		if errors.Is(err, release.ErrSweepRunning) {
			return nil
		}
		a.logSnapshot("refresh")
		return err
	})
	if err != nil {
		return err
	}
	return a.sched.AddSchedule("release.imminent", tr.imminent, time.Minute, func(c context.Context) error {
		_, err := a.engine.Imminent(c)
		return err
	})
}

func (a *App) logSnapshot(after string) {
	s := a.engine.Snapshot()
	a.log.Info("release status",
		logx.String("after", after),
		logx.Int("armed_individual", s.Armed[release.KindIndividual]),
		logx.Int("armed_broadcast", s.Armed[release.KindBroadcast]),
		logx.Int("in_flight", s.InFlight),
		logx.At("checkpoint", s.Checkpoint),
		logx.Uint64("delivered", s.Delivered),
		logx.Uint64("delivery_failed", s.DeliveryFailed),
		logx.Uint64("drift", s.Drift),
		logx.Uint64("resolve_failed", s.ResolveFailed),
	)
}

// logEvents keeps bus traffic visible at debug level.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					newCfg = newer
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the sections that take effect live. The manager has
// already validated newCfg and logged what changed.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	changed, _ := config.SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Contains(changed, "logging") && !slices.Contains(changed, "notifier") && !slices.Contains(changed, "status") {
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if scfg, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(c, scfg)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so no sweep starts, then timers, then the send path.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("release", 5*time.Second, a.engine.Stop)
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("checkpoint", time.Second, func(context.Context) error { return a.checkpoint.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
