package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"token": "t", "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./bot.db"},
  "release": {"refresh_schedule": "@hourly", "persist_retry_max": 5}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Release.PersistRetryMax != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yml := `
telegram:
  token: t
storage:
  driver: memory
checkpoint:
  driver: redis
  redis_addr: 127.0.0.1:6379
  redis_db: 2
anilist:
  rate_per_min: 30
`
	cfg, err := NewManager(writeFile(t, "config.yaml", yml)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Checkpoint.RedisDB != 2 || cfg.AniList.RatePerMin != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(writeFile(t, "a.json", `{"plugins": {}}`)).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := NewManager(writeFile(t, "b.json", `{} {}`)).Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:    StorageConfig{Driver: "file"},
		Checkpoint: CheckpointConfig{Driver: "redis"},
		Release:    ReleaseConfig{SweepDelay: "soon", PersistRetryMax: -1},
	}
	err := cfg.validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"telegram.token", "storage.driver", "checkpoint.redis_addr", "release.sweep_delay", "release.persist_retry_max"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestReleaseSettings(t *testing.T) {
	t.Parallel()
	s, err := ReleaseConfig{}.Settings()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if s.RefreshSchedule != defaultRefreshSchedule || s.ImminentSchedule != defaultImminentSchedule || s.SweepDelay != defaultSweepDelay {
		t.Fatalf("defaults = %+v", s)
	}

	s, err = ReleaseConfig{RefreshSchedule: "*/30 * * * *", SweepDelay: "2s", ImminentWindow: "0s", PersistRetryMax: 7}.Settings()
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if s.RefreshSchedule != "*/30 * * * *" || s.SweepDelay != 2*time.Second || s.ImminentWindow != defaultImminentWindow || s.PersistRetryMax != 7 {
		t.Fatalf("overrides = %+v", s)
	}

	_, err = ReleaseConfig{RefreshSchedule: "01:30", SweepDelay: "-1s"}.Settings()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"release.refresh_schedule: ", "release.sweep_delay: "} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestStorageSettings(t *testing.T) {
	t.Parallel()
	s, err := StorageConfig{Driver: " SQLite3 ", Path: "bot.db"}.Settings()
	if err != nil || s.Driver != "sqlite" || s.BusyTimeout != defaultBusyTimeout {
		t.Fatalf("sqlite3 = %+v, %v", s, err)
	}
	if _, err := (StorageConfig{Driver: "sqlite"}).Settings(); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Fatalf("missing path: %v", err)
	}
}

func TestLoadRejectsBadReleaseSection(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(validJSON, `"@hourly"`, `"whenever"`, 1)
	_, err := NewManager(writeFile(t, "config.json", bad)).Load()
	if err == nil || !strings.Contains(err.Error(), "release.refresh_schedule") {
		t.Fatalf("Load error = %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	b := *a
	b.Telegram.Token = "b"
	b.Logging.Level = "debug"
	b.Status.Token = "secret"

	changed, attrs := SummarizeConfigChange(a, &b)
	want := []string{"logging", "status", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := restartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("restart = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	updated := strings.Replace(validJSON, `"level": "info"`, `"level": "debug"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestWatchKeepsCurrentOnInvalidRewrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path)
	orig, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	ch, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	bad := strings.Replace(validJSON, `"persist_retry_max": 5`, `"persist_retry_max": -1`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Release)
	case <-time.After(time.Second):
	}
	if m.Get() != orig {
		t.Fatal("current config replaced by an invalid one")
	}

	good := strings.Replace(validJSON, `"persist_retry_max": 5`, `"persist_retry_max": 6`, 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Release.PersistRetryMax != 6 {
			t.Fatalf("persist_retry_max = %d", cfg.Release.PersistRetryMax)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
