package app

import (
	"strings"
	"time"

	"episodebot/internal/anilist"
	"episodebot/internal/config"
	"episodebot/internal/notifier"
	"episodebot/internal/observability/status"
	"episodebot/internal/release"
	"episodebot/internal/storage"
	"episodebot/internal/transport/telegram"
	logx "episodebot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s, err := cfg.Storage.Settings()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: s.BusyTimeout}, nil
}

func mapCheckpointConfig(cfg *config.Config) storage.CheckpointConfig {
	c := cfg.Checkpoint
	return storage.CheckpointConfig{
		Driver:        strings.TrimSpace(c.Driver),
		RedisAddr:     strings.TrimSpace(c.RedisAddr),
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Key:           strings.TrimSpace(c.Key),
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := cfg.Telegram.PollTimeoutOrDefault()
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: poll,
		Greeting:    cfg.Telegram.Greeting,
	}, nil
}

func mapAniListConfig(cfg *config.Config) (anilist.Config, error) {
	s, err := cfg.AniList.Settings()
	if err != nil {
		return anilist.Config{}, err
	}
	return anilist.Config{
		Endpoint:        s.Endpoint,
		Timeout:         s.Timeout,
		RatePerMin:      s.RatePerMin,
		BreakerFailures: s.BreakerFailures,
		BreakerCooldown: s.BreakerCooldown,
	}, nil
}

// triggers holds the schedule strings for the engine's periodic sweeps.
type triggers struct {
	refresh        string
	refreshTimeout time.Duration
	imminent       string
}

func mapReleaseConfig(cfg *config.Config) (release.Config, triggers, error) {
	s, err := cfg.Release.Settings()
	if err != nil {
		return release.Config{}, triggers{}, err
	}
	rc := release.Config{
		SweepDelay:        s.SweepDelay,
		ImminentWindow:    s.ImminentWindow,
		PersistRetryMax:   s.PersistRetryMax,
		PersistRetryDelay: s.PersistRetryDelay,
		DeliveredTTL:      s.DeliveredTTL,
	}
	tr := triggers{refresh: s.RefreshSchedule, refreshTimeout: s.RefreshTimeout, imminent: s.ImminentSchedule}
	return rc, tr, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	s, err := cfg.Notifier.Settings()
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    s.RatePerSec,
		SendTimeout:   s.SendTimeout,
		RetryMax:      s.RetryMax,
		RetryBase:     s.RetryBase,
		RetryMaxDelay: s.RetryMaxDelay,
		DedupWindow:   s.DedupWindow,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	c := cfg.Status
	read, idle, err := c.Timeouts()
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
