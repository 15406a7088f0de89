package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is the in-process fallback used when no Redis address is
// configured. Values are stored encoded so callers never share maps.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{items: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) GetEntity(_ context.Context, entityID string) (hass.State, bool) {
	var st hass.State
	if !c.get(entityKey(entityID), &st) {
		return hass.State{}, false
	}
	return st, true
}

func (c *MemoryCache) SetEntity(_ context.Context, st hass.State) {
	if st.EntityID == "" {
		return
	}
	c.set(entityKey(st.EntityID), st)
}

func (c *MemoryCache) GetAll(_ context.Context) ([]hass.State, bool) {
	var states []hass.State
	if !c.get(allEntitiesKey, &states) {
		return nil, false
	}
	return states, true
}

func (c *MemoryCache) SetAll(_ context.Context, states []hass.State) {
	if states == nil {
		states = []hass.State{}
	}
	c.set(allEntitiesKey, states)
}

func (c *MemoryCache) InvalidateEntity(_ context.Context, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, entityKey(entityID))
	delete(c.items, allEntitiesKey)
}

func (c *MemoryCache) InvalidateAll(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry)
}

func (c *MemoryCache) get(key string, out any) bool {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return false
	}
	return json.Unmarshal(e.data, out) == nil
}

func (c *MemoryCache) set(key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{data: b, expiresAt: c.now().Add(c.ttl)}
}
