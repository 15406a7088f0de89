package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) GetEntity(ctx context.Context, entityID string) (hass.State, bool) {
	var st hass.State
	if !c.get(ctx, entityKey(entityID), &st) {
		return hass.State{}, false
	}
	return st, true
}

func (c *RedisCache) SetEntity(ctx context.Context, st hass.State) {
	if st.EntityID == "" {
		return
	}
	c.set(ctx, entityKey(st.EntityID), st)
}

func (c *RedisCache) GetAll(ctx context.Context) ([]hass.State, bool) {
	var states []hass.State
	if !c.get(ctx, allEntitiesKey, &states) {
		return nil, false
	}
	return states, true
}

func (c *RedisCache) SetAll(ctx context.Context, states []hass.State) {
	if states == nil {
		states = []hass.State{}
	}
	c.set(ctx, allEntitiesKey, states)
}

func (c *RedisCache) InvalidateEntity(ctx context.Context, entityID string) {
	if err := c.rdb.Del(ctx, entityKey(entityID), allEntitiesKey).Err(); err != nil {
		slog.Warn("cache invalidate failed", "entity_id", entityID, "error", err)
	}
}

// InvalidateAll removes every key this cache owns.
func (c *RedisCache) InvalidateAll(ctx context.Context) {
	keys := []string{allEntitiesKey}
	iter := c.rdb.Scan(ctx, 0, entityKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), "ha:entity:") {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache scan failed", "error", err)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache clear failed", "error", err)
	}
}

func (c *RedisCache) get(ctx context.Context, key string, out any) bool {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		slog.Warn("cache get failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		slog.Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *RedisCache) set(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "error", err)
	}
}
