package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"episodebot/internal/task/scheduler"
)

// Defaults for keys left empty (or zero) in the file.
const (
	defaultPollTimeout       = 10 * time.Second
	defaultBusyTimeout       = time.Second
	defaultAniListTimeout    = 10 * time.Second
	defaultBreakerCooldown   = time.Minute
	defaultRefreshSchedule   = "@hourly"
	defaultRefreshTimeout    = 50 * time.Minute
	defaultImminentSchedule  = "1m"
	defaultImminentWindow    = 2 * time.Minute
	defaultSweepDelay        = time.Second
	defaultPersistRetryDelay = 200 * time.Millisecond
	defaultDeliveredTTL      = 30 * 24 * time.Hour
	defaultNotifyRate        = 3
	defaultNotifyRetries     = 3
	defaultSendTimeout       = 10 * time.Second
	defaultRetryBase         = 500 * time.Millisecond
	defaultRetryMaxDelay     = 10 * time.Second
	defaultDedupWindow       = time.Minute
	defaultStatusRead        = 5 * time.Second
	defaultStatusIdle        = time.Minute
)

// fields collects per-key errors while a section is resolved.
type fields struct {
	section string
	errs    []error
}

func (f *fields) fail(key, format string, args ...any) {
	f.errs = append(f.errs, fmt.Errorf("%s.%s: %s", f.section, key, fmt.Sprintf(format, args...)))
}

// duration reads a Go duration string. Empty or zero yields def.
func (f *fields) duration(key, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		f.fail(key, "invalid duration %q", raw)
		return def
	case d < 0:
		f.fail(key, "must be >= 0")
		return def
	case d == 0:
		return def
	}
	return d
}

func (f *fields) schedule(key, raw, def string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = def
	}
	if _, err := scheduler.ParseSchedule(f.section+"."+key, s); err != nil {
		f.errs = append(f.errs, err)
	}
	return s
}

func (f *fields) err() error { return errors.Join(f.errs...) }

func (c TelegramConfig) PollTimeoutOrDefault() (time.Duration, error) {
	f := fields{section: "telegram"}
	d := f.duration("poll_timeout", c.PollTimeout, defaultPollTimeout)
	return d, f.err()
}

type StorageSettings struct {
	Driver      string // "sqlite" or "memory"
	Path        string
	BusyTimeout time.Duration
}

func (c StorageConfig) Settings() (StorageSettings, error) {
	f := fields{section: "storage"}
	s := StorageSettings{
		Driver:      strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:        strings.TrimSpace(c.Path),
		BusyTimeout: f.duration("busy_timeout", c.BusyTimeout, defaultBusyTimeout),
	}
	switch s.Driver {
	case "sqlite", "sqlite3":
		s.Driver = "sqlite"
		if s.Path == "" {
			f.fail("path", "required for the sqlite driver")
		}
	case "memory":
	default:
		f.fail("driver", "unsupported %q (use sqlite or memory)", c.Driver)
	}
	return s, f.err()
}

type AniListSettings struct {
	Endpoint        string
	Timeout         time.Duration
	RatePerMin      int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c AniListConfig) Settings() (AniListSettings, error) {
	f := fields{section: "anilist"}
	s := AniListSettings{
		Endpoint:        strings.TrimSpace(c.Endpoint),
		Timeout:         f.duration("timeout", c.Timeout, defaultAniListTimeout),
		RatePerMin:      c.RatePerMin,
		BreakerCooldown: f.duration("breaker_cooldown", c.BreakerCooldown, defaultBreakerCooldown),
	}
	if c.RatePerMin < 0 {
		f.fail("rate_per_min", "must be >= 0")
	}
	if c.BreakerFailures < 0 {
		f.fail("breaker_failures", "must be >= 0")
	} else {
		s.BreakerFailures = uint32(c.BreakerFailures)
	}
	return s, f.err()
}

// ReleaseSettings are the engine timings and the two sweep triggers.
type ReleaseSettings struct {
	RefreshSchedule   string
	RefreshTimeout    time.Duration
	ImminentSchedule  string
	ImminentWindow    time.Duration
	SweepDelay        time.Duration
	PersistRetryMax   uint
	PersistRetryDelay time.Duration
	DeliveredTTL      time.Duration
}

func (c ReleaseConfig) Settings() (ReleaseSettings, error) {
	f := fields{section: "release"}
	s := ReleaseSettings{
		RefreshSchedule:   f.schedule("refresh_schedule", c.RefreshSchedule, defaultRefreshSchedule),
		RefreshTimeout:    f.duration("refresh_timeout", c.RefreshTimeout, defaultRefreshTimeout),
		ImminentSchedule:  f.schedule("imminent_schedule", c.ImminentSchedule, defaultImminentSchedule),
		ImminentWindow:    f.duration("imminent_window", c.ImminentWindow, defaultImminentWindow),
		SweepDelay:        f.duration("sweep_delay", c.SweepDelay, defaultSweepDelay),
		PersistRetryDelay: f.duration("persist_retry_delay", c.PersistRetryDelay, defaultPersistRetryDelay),
		DeliveredTTL:      f.duration("delivered_ttl", c.DeliveredTTL, defaultDeliveredTTL),
	}
	if c.PersistRetryMax < 0 {
		f.fail("persist_retry_max", "must be >= 0")
	} else {
		s.PersistRetryMax = uint(c.PersistRetryMax)
	}
	return s, f.err()
}

type NotifierSettings struct {
	RatePerSec    int
	RetryMax      int
	SendTimeout   time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow of "0s" means the default; set a tiny value to effectively disable.
	DedupWindow time.Duration
}

func (c NotifierConfig) Settings() (NotifierSettings, error) {
	f := fields{section: "notifier"}
	s := NotifierSettings{
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		SendTimeout:   f.duration("send_timeout", c.SendTimeout, defaultSendTimeout),
		RetryBase:     f.duration("retry_base", c.RetryBase, defaultRetryBase),
		RetryMaxDelay: f.duration("retry_max_delay", c.RetryMaxDelay, defaultRetryMaxDelay),
		DedupWindow:   f.duration("dedup_window", c.DedupWindow, defaultDedupWindow),
	}
	if c.RatePerSec < 0 {
		f.fail("rate_per_sec", "must be >= 0")
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = defaultNotifyRate
	}
	if s.RetryMax <= 0 {
		s.RetryMax = defaultNotifyRetries
	}
	return s, f.err()
}

func (c SchedulerConfig) location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// Timeouts returns the read and idle timeouts of the status server.
func (c StatusConfig) Timeouts() (read, idle time.Duration, err error) {
	f := fields{section: "status"}
	read = f.duration("read_timeout", c.ReadTimeout, defaultStatusRead)
	idle = f.duration("idle_timeout", c.IdleTimeout, defaultStatusIdle)
	return read, idle, f.err()
}
