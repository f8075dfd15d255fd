package storage

import (
	"context"
	"errors"
	"time"

	"episodebot/internal/release"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryMode is a user's notification preference.
type DeliveryMode string

const (
	ModeDM     DeliveryMode = "dm"
	ModeServer DeliveryMode = "server"
)

// Preference routes individual notifications.
// ModeServer sends to the notification channel of GuildID.
type Preference struct {
	UserID  int64
	Mode    DeliveryMode
	GuildID int64
}

// GuildChannel is where a guild wants release announcements.
type GuildChannel struct {
	GuildID  int64
	ChatID   int64
	ThreadID int
}

// Preferences is the read side used by the dispatcher.
type Preferences interface {
	GetPreference(ctx context.Context, userID int64) (Preference, bool, error)
	GetGuildChannel(ctx context.Context, guildID int64) (GuildChannel, bool, error)
}

// Store is the persistence API of the bot.
type Store interface {
	release.Store
	release.CheckpointStore
	Preferences

	// Management writes; see the package doc.

	// PutSubscription inserts or updates a row keyed by (subject, item) and returns its id.
	PutSubscription(ctx context.Context, s release.Subscription) (int64, error)
	GetSubscription(ctx context.Context, kind release.Kind, id int64) (release.Subscription, error)
	DeleteSubscription(ctx context.Context, kind release.Kind, id int64) error

	SetPreference(ctx context.Context, p Preference) error
	SetGuildChannel(ctx context.Context, g GuildChannel) error

	Close() error
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
