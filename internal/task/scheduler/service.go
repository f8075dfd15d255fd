package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"episodebot/internal/eventbus"
	logx "episodebot/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
	}
}

// Start begins triggering. Runs get a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	if cancel != nil {
		cancel()
	}
	// Stop's context is done once running jobs return.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduled runs still in flight at stop", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule registers job under name, replacing any schedule with that name.
// schedule is cron ("*/5 * * * *", "@hourly") or an interval ("55m").
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(name, schedule)
	if err != nil {
		return err
	}
	d := &scheduleDef{name: name, timeout: timeout, job: job}
	switch ps.Kind {
	case SpecCron:
		d.spec = ps.Cron
	case SpecInterval:
		d.every = ps.Every
		d.spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove unregisters a schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	var sched cron.Schedule
	if d.every > 0 {
		var jitter time.Duration
		sched, jitter = makeIntervalScheduleWithSpread(d.every, time.Now(), d.name)
		if jitter > 0 {
			s.log.Debug("interval startup spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
		}
	} else {
		var err error
		if sched, err = cronParser.Parse(d.spec); err != nil {
			return err
		}
	}
	ctx := s.ctx
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(ctx, d) }))
	return nil
}

func (s *Service) run(ctx context.Context, d *scheduleDef) {
	if ctx.Err() != nil {
		return
	}
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("previous run still in flight; skipping", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := s.safeRun(runCtx, d)
	d.runs.Add(1)

	ev := RunEvent{Name: d.name, Took: time.Since(start)}
	if err != nil {
		ev.Err = err.Error()
		s.log.Warn("scheduled run failed", logx.String("name", d.name), logx.Duration("took", ev.Took), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: "schedule.done", Data: ev})
}

func (s *Service) safeRun(ctx context.Context, d *scheduleDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.job(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	out := Snapshot{Timezone: loc.String(), Schedules: make([]ScheduleInfo, 0, len(s.defs))}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name: d.name, Spec: d.spec, Timeout: d.timeout,
			Running: d.running.Load(), Runs: d.runs.Load(), Skipped: d.skipped.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
