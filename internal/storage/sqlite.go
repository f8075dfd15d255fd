package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"episodebot/internal/release"
	logx "episodebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const checkpointKey = "last_reconciled_at"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; fire routines share this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func tableFor(kind release.Kind) (string, error) {
	switch kind {
	case release.KindIndividual:
		return "watchlists", nil
	case release.KindBroadcast:
		return "role_notifications", nil
	default:
		return "", fmt.Errorf("unknown subscription kind %q", kind)
	}
}

// Both tables are read through one compound select so sweeps see a single
// list ordered by release time.
const selectBoth = `
SELECT 'individual', id, user_id, '', 0, anime_id, anime_title, next_airing_at FROM watchlists WHERE %[1]s
UNION ALL
SELECT 'broadcast', id, 0, role_id, guild_id, anime_id, anime_title, next_airing_at FROM role_notifications WHERE %[1]s
ORDER BY 8, 1, 2`

func (s *sqliteStore) listWhere(ctx context.Context, cond string, args ...any) ([]release.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(selectBoth, cond), append(append([]any{}, args...), args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []release.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r scanner) (release.Subscription, error) {
	var (
		kind  string
		sub   release.Subscription
		next  sql.NullInt64
		title string
	)
	if err := r.Scan(&kind, &sub.ID, &sub.Subject.UserID, &sub.Subject.RoleID, &sub.Subject.GuildID, &sub.ItemID, &title, &next); err != nil {
		return release.Subscription{}, err
	}
	sub.Kind = release.Kind(kind)
	sub.DisplayTitle = title
	if next.Valid {
		sub.NextReleaseAt = time.UnixMilli(next.Int64)
	}
	return sub, nil
}

func (s *sqliteStore) ListDue(ctx context.Context, from, to time.Time) ([]release.Subscription, error) {
	return s.listWhere(ctx, "next_airing_at > ? AND next_airing_at <= ?", from.UnixMilli(), to.UnixMilli())
}

func (s *sqliteStore) ListUpcoming(ctx context.Context, after time.Time) ([]release.Subscription, error) {
	return s.listWhere(ctx, "next_airing_at > ?", after.UnixMilli())
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]release.Subscription, error) {
	return s.listWhere(ctx, "next_airing_at IS NOT NULL")
}

// UpdateNextRelease is a no-op for a row that no longer exists.
func (s *sqliteStore) UpdateNextRelease(ctx context.Context, kind release.Kind, id int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET next_airing_at = ? WHERE id = ?`, toMillis(at), id)
	return err
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub release.Subscription) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	now := time.Now().UnixMilli()
	var id int64
	var err error
	switch sub.Kind {
	case release.KindIndividual:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO watchlists(user_id, anime_id, anime_title, next_airing_at, created_at)
			 VALUES(?,?,?,?,?)
			 ON CONFLICT(user_id, anime_id) DO UPDATE SET anime_title=excluded.anime_title, next_airing_at=excluded.next_airing_at
			 RETURNING id`,
			sub.Subject.UserID, sub.ItemID, sub.DisplayTitle, toMillis(sub.NextReleaseAt), now,
		).Scan(&id)
	case release.KindBroadcast:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO role_notifications(role_id, guild_id, anime_id, anime_title, next_airing_at, created_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(role_id, guild_id, anime_id) DO UPDATE SET anime_title=excluded.anime_title, next_airing_at=excluded.next_airing_at
			 RETURNING id`,
			sub.Subject.RoleID, sub.Subject.GuildID, sub.ItemID, sub.DisplayTitle, toMillis(sub.NextReleaseAt), now,
		).Scan(&id)
	default:
		_, err = tableFor(sub.Kind)
	}
	return id, err
}

func (s *sqliteStore) GetSubscription(ctx context.Context, kind release.Kind, id int64) (release.Subscription, error) {
	if s == nil || s.db == nil {
		return release.Subscription{}, ErrDisabled
	}
	var q string
	switch kind {
	case release.KindIndividual:
		q = `SELECT 'individual', id, user_id, '', 0, anime_id, anime_title, next_airing_at FROM watchlists WHERE id = ?`
	case release.KindBroadcast:
		q = `SELECT 'broadcast', id, 0, role_id, guild_id, anime_id, anime_title, next_airing_at FROM role_notifications WHERE id = ?`
	default:
		_, err := tableFor(kind)
		return release.Subscription{}, err
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return release.Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, kind release.Kind, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) GetCheckpoint(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, checkpointKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad checkpoint value %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutCheckpoint(ctx context.Context, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		checkpointKey, strconv.FormatInt(at.UnixMilli(), 10), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PutDelivered(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivered(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("delivered prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDelivered(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM delivered WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivered WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) GetPreference(ctx context.Context, userID int64) (Preference, bool, error) {
	if s == nil || s.db == nil {
		return Preference{}, false, ErrDisabled
	}
	var (
		mode  string
		guild sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_type, guild_id FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&mode, &guild)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{UserID: userID, Mode: ModeDM}, false, nil
	}
	if err != nil {
		return Preference{}, false, err
	}
	return Preference{UserID: userID, Mode: DeliveryMode(mode), GuildID: guild.Int64}, true, nil
}

func (s *sqliteStore) SetPreference(ctx context.Context, p Preference) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.Mode == "" {
		p.Mode = ModeDM
	}
	var guild any
	if p.GuildID != 0 {
		guild = p.GuildID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences(user_id, notification_type, guild_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET notification_type=excluded.notification_type, guild_id=excluded.guild_id, updated_at=excluded.updated_at`,
		p.UserID, string(p.Mode), guild, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetGuildChannel(ctx context.Context, guildID int64) (GuildChannel, bool, error) {
	if s == nil || s.db == nil {
		return GuildChannel{}, false, ErrDisabled
	}
	g := GuildChannel{GuildID: guildID}
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_chat_id, notification_thread_id FROM guild_settings WHERE guild_id = ?`, guildID,
	).Scan(&g.ChatID, &g.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return GuildChannel{}, false, nil
	}
	if err != nil {
		return GuildChannel{}, false, err
	}
	return g, true, nil
}

func (s *sqliteStore) SetGuildChannel(ctx context.Context, g GuildChannel) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_settings(guild_id, notification_chat_id, notification_thread_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET notification_chat_id=excluded.notification_chat_id,
		   notification_thread_id=excluded.notification_thread_id, updated_at=excluded.updated_at`,
		g.GuildID, g.ChatID, g.ThreadID, time.Now().UnixMilli(),
	)
	return err
}
