package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, ttl), mr
}

func implementations(t *testing.T) map[string]Cache {
	rc, _ := newRedisCache(t, time.Minute)
	return map[string]Cache{
		"redis":  rc,
		"memory": NewMemoryCache(time.Minute),
	}
}

func TestCacheEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok := c.GetEntity(ctx, "light.kitchen"); ok {
				t.Fatalf("expected miss on empty cache")
			}
			c.SetEntity(ctx, hass.State{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"brightness": 128.0}})

			st, ok := c.GetEntity(ctx, "light.kitchen")
			if !ok || st.State != "on" || st.Attributes["brightness"] != 128.0 {
				t.Fatalf("unexpected entry: %+v ok=%v", st, ok)
			}
		})
	}
}

func TestCacheInvalidateEntityDropsList(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			c.SetAll(ctx, []hass.State{{EntityID: "switch.fan", State: "off"}, {EntityID: "sensor.temp", State: "20"}})
			c.SetEntity(ctx, hass.State{EntityID: "switch.fan", State: "off"})
			c.SetEntity(ctx, hass.State{EntityID: "sensor.temp", State: "20"})

			all, ok := c.GetAll(ctx)
			if !ok || len(all) != 2 {
				t.Fatalf("unexpected list: %+v ok=%v", all, ok)
			}

			c.InvalidateEntity(ctx, "switch.fan")
			if _, ok := c.GetEntity(ctx, "switch.fan"); ok {
				t.Fatalf("entity survived invalidation")
			}
			if _, ok := c.GetAll(ctx); ok {
				t.Fatalf("entity list survived invalidation")
			}
			if _, ok := c.GetEntity(ctx, "sensor.temp"); !ok {
				t.Fatalf("unrelated entity was invalidated")
			}

			c.InvalidateAll(ctx)
			if _, ok := c.GetEntity(ctx, "sensor.temp"); ok {
				t.Fatalf("entity survived InvalidateAll")
			}
		})
	}
}

func TestCacheEmptyListIsAHit(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			c.SetAll(ctx, nil)
			all, ok := c.GetAll(ctx)
			if !ok || len(all) != 0 {
				t.Fatalf("expected empty hit, got %+v ok=%v", all, ok)
			}
		})
	}
}

func TestRedisCacheKeysAndTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, 0)

	c.SetEntity(ctx, hass.State{EntityID: "light.x", State: "on"})
	c.SetAll(ctx, []hass.State{{EntityID: "light.x", State: "on"}})

	if !mr.Exists("ha:entity:light.x") || !mr.Exists("ha:entities:all") {
		t.Fatalf("unexpected keys: %v", mr.Keys())
	}
	if ttl := mr.TTL("ha:entity:light.x"); ttl != DefaultTTL {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	mr.FastForward(DefaultTTL + time.Second)
	if _, ok := c.GetEntity(ctx, "light.x"); ok {
		t.Fatalf("entry survived its ttl")
	}
}

func TestRedisCacheCorruptEntryIsAMiss(t *testing.T) {
	c, mr := newRedisCache(t, time.Minute)
	if err := mr.Set("ha:entity:light.bad", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := c.GetEntity(context.Background(), "light.bad"); ok {
		t.Fatalf("expected corrupt entry to be a miss")
	}
}

func TestRedisCacheUnavailableIsAMiss(t *testing.T) {
	c, mr := newRedisCache(t, time.Minute)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.SetEntity(ctx, hass.State{EntityID: "light.x", State: "on"})
	if _, ok := c.GetEntity(ctx, "light.x"); ok {
		t.Fatalf("expected miss while redis is down")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.SetEntity(ctx, hass.State{EntityID: "sensor.a", State: "1"})
	now = now.Add(59 * time.Second)
	if _, ok := c.GetEntity(ctx, "sensor.a"); !ok {
		t.Fatalf("entry expired early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.GetEntity(ctx, "sensor.a"); ok {
		t.Fatalf("entry outlived its ttl")
	}
}
