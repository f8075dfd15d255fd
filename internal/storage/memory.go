package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"episodebot/internal/release"
)

type memKey struct {
	kind release.Kind
	id   int64
}

// memoryStore keeps everything in maps. Useful for local runs and tests.
type memoryStore struct {
	mu sync.Mutex

	seq        map[release.Kind]int64
	subs       map[memKey]release.Subscription
	prefs      map[int64]Preference
	guilds     map[int64]GuildChannel
	delivered  map[string]time.Time
	checkpoint time.Time
	hasCP      bool
}

func newMemory() *memoryStore {
	return &memoryStore{
		seq:       map[release.Kind]int64{},
		subs:      map[memKey]release.Subscription{},
		prefs:     map[int64]Preference{},
		guilds:    map[int64]GuildChannel{},
		delivered: map[string]time.Time{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) list(keep func(release.Subscription) bool) []release.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []release.Subscription
	for _, s := range m.subs {
		if !s.NextReleaseAt.IsZero() && keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextReleaseAt.Equal(out[j].NextReleaseAt) {
			return out[i].NextReleaseAt.Before(out[j].NextReleaseAt)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memoryStore) ListDue(_ context.Context, from, to time.Time) ([]release.Subscription, error) {
	lo, hi := from.UnixMilli(), to.UnixMilli()
	return m.list(func(s release.Subscription) bool {
		at := s.NextReleaseAt.UnixMilli()
		return at > lo && at <= hi
	}), nil
}

func (m *memoryStore) ListUpcoming(_ context.Context, after time.Time) ([]release.Subscription, error) {
	lo := after.UnixMilli()
	return m.list(func(s release.Subscription) bool { return s.NextReleaseAt.UnixMilli() > lo }), nil
}

func (m *memoryStore) ListScheduled(context.Context) ([]release.Subscription, error) {
	return m.list(func(release.Subscription) bool { return true }), nil
}

func (m *memoryStore) UpdateNextRelease(_ context.Context, kind release.Kind, id int64, at time.Time) error {
	if _, err := tableFor(kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{kind: kind, id: id}
	s, ok := m.subs[k]
	if !ok {
		return nil
	}
	s.NextReleaseAt = truncMillis(at)
	m.subs[k] = s
	return nil
}

func (m *memoryStore) PutSubscription(_ context.Context, sub release.Subscription) (int64, error) {
	if _, err := tableFor(sub.Kind); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.NextReleaseAt = truncMillis(sub.NextReleaseAt)
	for k, cur := range m.subs {
		if k.kind == sub.Kind && cur.Subject == sub.Subject && cur.ItemID == sub.ItemID {
			sub.ID = k.id
			m.subs[k] = sub
			return sub.ID, nil
		}
	}
	m.seq[sub.Kind]++
	sub.ID = m.seq[sub.Kind]
	m.subs[memKey{kind: sub.Kind, id: sub.ID}] = sub
	return sub.ID, nil
}

func (m *memoryStore) GetSubscription(_ context.Context, kind release.Kind, id int64) (release.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[memKey{kind: kind, id: id}]
	if !ok {
		return release.Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) DeleteSubscription(_ context.Context, kind release.Kind, id int64) error {
	m.mu.Lock()
	delete(m.subs, memKey{kind: kind, id: id})
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetCheckpoint(context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, m.hasCP, nil
}

func (m *memoryStore) PutCheckpoint(_ context.Context, at time.Time) error {
	m.mu.Lock()
	m.checkpoint, m.hasCP = truncMillis(at), true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) PutDelivered(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, u := range m.delivered {
		if u.Before(now) {
			delete(m.delivered, k)
		}
	}
	m.delivered[key] = until
	return nil
}

func (m *memoryStore) GetDelivered(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.delivered[key]
	return u, ok, nil
}

func (m *memoryStore) GetPreference(_ context.Context, userID int64) (Preference, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	if !ok {
		return Preference{UserID: userID, Mode: ModeDM}, false, nil
	}
	return p, true, nil
}

func (m *memoryStore) SetPreference(_ context.Context, p Preference) error {
	if p.Mode == "" {
		p.Mode = ModeDM
	}
	m.mu.Lock()
	m.prefs[p.UserID] = p
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetGuildChannel(_ context.Context, guildID int64) (GuildChannel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	return g, ok, nil
}

func (m *memoryStore) SetGuildChannel(_ context.Context, g GuildChannel) error {
	m.mu.Lock()
	m.guilds[g.GuildID] = g
	m.mu.Unlock()
	return nil
}

// truncMillis matches the precision of the sqlite driver.
func truncMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
