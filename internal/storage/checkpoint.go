package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"episodebot/internal/release"
	logx "episodebot/pkg/logx"
)

// CheckpointConfig selects where the reconciliation checkpoint lives.
//
// Driver values:
//   - "store" (default): the bot_state row of the main store
//   - "redis": a single key in redis
type CheckpointConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Key           string
}

type Checkpoint interface {
	release.CheckpointStore
	Close() error
}

// OpenCheckpoint returns the configured checkpoint backend. For the store
// driver, closing the checkpoint does not close st.
func OpenCheckpoint(ctx context.Context, cfg CheckpointConfig, st Store, log logx.Logger) (Checkpoint, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "store":
		if st == nil {
			return nil, ErrDisabled
		}
		return storeCheckpoint{st}, nil
	case "redis":
		return openRedisCheckpoint(ctx, cfg, log)
	default:
		return nil, errors.New("unknown checkpoint driver: " + cfg.Driver)
	}
}

type storeCheckpoint struct{ release.CheckpointStore }

func (storeCheckpoint) Close() error { return nil }

type redisCheckpoint struct {
	rdb *redis.Client
	key string
}

func openRedisCheckpoint(ctx context.Context, cfg CheckpointConfig, log logx.Logger) (*redisCheckpoint, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("checkpoint.redis_addr is required for redis driver")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "episodebot:" + checkpointKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info("checkpoint in redis", logx.String("addr", addr), logx.String("key", key))
	return &redisCheckpoint{rdb: rdb, key: key}, nil
}

func (c *redisCheckpoint) GetCheckpoint(ctx context.Context) (time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
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

func (c *redisCheckpoint) PutCheckpoint(ctx context.Context, at time.Time) error {
	return c.rdb.Set(ctx, c.key, strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

func (c *redisCheckpoint) Close() error { return c.rdb.Close() }
