package config

import (
	"errors"
	"strings"
)

// validate resolves every section and joins the errors, each prefixed with
// its key. The manager runs it on load and before publishing a reload.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	_, err := c.Telegram.PollTimeoutOrDefault()
	check(err)
	_, err = c.Storage.Settings()
	check(err)
	check(c.Checkpoint.validate())
	_, err = c.AniList.Settings()
	check(err)
	_, err = c.Release.Settings()
	check(err)
	_, err = c.Notifier.Settings()
	check(err)
	_, err = c.Scheduler.location()
	check(err)
	_, _, err = c.Status.Timeouts()
	check(err)
	return errors.Join(errs...)
}

func (c CheckpointConfig) validate() error {
	f := fields{section: "checkpoint"}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			f.fail("redis_addr", "required for the redis driver")
		}
	default:
		f.fail("driver", "unsupported %q (use store or redis)", c.Driver)
	}
	if c.RedisDB < 0 {
		f.fail("redis_db", "must be >= 0")
	}
	return f.err()
}
