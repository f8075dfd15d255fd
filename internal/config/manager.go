package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "episodebot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file. Load and every reload decode and validate
// it; Watch publishes validated changes to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan *Config
	nextID int
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: map[int]chan *Config{}}
}

// SetLogger sets the logger used while watching. Load runs before logging
// is configured, so it reports through its error only.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("path", m.path)) }

func (m *Manager) Load() (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, h)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) read() (*Config, uint64, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, 0, err
	}
	if err := cfg.validate(); err != nil {
		return nil, 0, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, contentHash(cfg), nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

// contentHash ignores formatting and key order; a save without a real change
// is not republished.
func contentHash(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving each published config and a func
// that unsubscribes and closes it. A slow subscriber keeps only the newest
// configs that fit its buffer.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	// Sends happen under subsMu so unsubscribe cannot close a channel mid-send.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload is one debounced pass. An invalid file keeps the current config.
func (m *Manager) reload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, h, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected; keeping current", logx.Err(err))
		return
	}
	m.mu.RLock()
	old, oldHash := m.cfg, m.hash
	m.mu.RUnlock()
	if h == oldHash {
		m.log.Debug("config unchanged")
		return
	}

	changed, attrs := SummarizeConfigChange(old, cfg)
	restart := restartRequired(changed)
	fields := append([]logx.Field{
		logx.String("changed", strings.Join(changed, ",")),
		logx.String("restart_required", strings.Join(restart, ",")),
	}, attrs...)
	m.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		m.log.Warn("changed sections take effect after restart", logx.String("sections", strings.Join(restart, ",")))
	}

	m.commit(cfg, h)
	m.publish(cfg)
}

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so editors that replace the file are seen. A failed watcher is
// recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for {
		started, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffMin
		}
		wait := backoff + rand.N(backoff/2+1)
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher. started reports whether it got as far as
// watching the directory.
func (m *Manager) watchOnce(ctx context.Context) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	schedule := func() {
		if debounce == nil {
			debounce = time.AfterFunc(reloadDebounce, m.reload)
			return
		}
		debounce.Reset(reloadDebounce)
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("config watcher: event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("config watcher: error channel closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				schedule()
				continue
			}
			return true, werr
		}
	}
}
