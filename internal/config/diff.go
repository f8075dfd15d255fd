package config

import (
	"sort"
	"strings"

	logx "episodebot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens and passwords are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Greeting != newCfg.Telegram.Greeting ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.api_url_changed", strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Checkpoint (never log password)
	if oldCfg.Checkpoint != newCfg.Checkpoint {
		changed = append(changed, "checkpoint")
		attrs = append(attrs,
			logx.String("checkpoint.driver", newCfg.Checkpoint.Driver),
			logx.String("checkpoint.redis_addr", newCfg.Checkpoint.RedisAddr),
			logx.Bool("checkpoint.redis_password_set", newCfg.Checkpoint.RedisPassword != ""),
		)
	}

	if oldCfg.AniList != newCfg.AniList {
		changed = append(changed, "anilist")
		attrs = append(attrs,
			logx.String("anilist.endpoint", newCfg.AniList.Endpoint),
			logx.Int("anilist.rate_per_min", newCfg.AniList.RatePerMin),
			logx.Int("anilist.breaker_failures", newCfg.AniList.BreakerFailures),
		)
	}

	if oldCfg.Release != newCfg.Release {
		changed = append(changed, "release")
		attrs = append(attrs,
			logx.String("release.refresh_schedule", newCfg.Release.RefreshSchedule),
			logx.String("release.imminent_schedule", newCfg.Release.ImminentSchedule),
			logx.Int("release.persist_retry_max", newCfg.Release.PersistRetryMax),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
			logx.String("notifier.dedup_window", newCfg.Notifier.DedupWindow),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	// Status (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// restartRequired lists changed sections that are only read at startup.
func restartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "checkpoint", "anilist", "release", "scheduler":
			out = append(out, s)
		}
	}
	return out
}
