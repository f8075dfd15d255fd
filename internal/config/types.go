package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); schedules accept a cron
// expression ("@hourly", "*/5 * * * *") or an interval duration.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Checkpoint CheckpointConfig `json:"checkpoint,omitempty"`
	AniList    AniListConfig    `json:"anilist,omitempty"`
	Release    ReleaseConfig    `json:"release,omitempty"`
	Notifier   NotifierConfig   `json:"notifier,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	Status     StatusConfig     `json:"status,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	Greeting    string `json:"greeting,omitempty"`
	// APIURL points at a self-hosted Bot API server; empty uses api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the subscription store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./episodebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// CheckpointConfig selects where lastReconciledAt lives: "store" (default) or "redis".
type CheckpointConfig struct {
	Driver        string `json:"driver,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	Key           string `json:"key,omitempty"`
}

type AniListConfig struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	RatePerMin      int    `json:"rate_per_min,omitempty"`
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
}

// ReleaseConfig tunes the reconciliation engine and its triggers.
type ReleaseConfig struct {
	RefreshSchedule   string `json:"refresh_schedule,omitempty"`
	RefreshTimeout    string `json:"refresh_timeout,omitempty"`
	ImminentSchedule  string `json:"imminent_schedule,omitempty"`
	ImminentWindow    string `json:"imminent_window,omitempty"`
	SweepDelay        string `json:"sweep_delay,omitempty"`
	PersistRetryMax   int    `json:"persist_retry_max,omitempty"`
	PersistRetryDelay string `json:"persist_retry_delay,omitempty"`
	DeliveredTTL      string `json:"delivered_ttl,omitempty"`
}

// NotifierConfig controls the outbound send path.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// StatusConfig controls the optional operator HTTP endpoint.
//
// Prefer binding to localhost; a non-loopback address needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
