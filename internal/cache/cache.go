// Package cache stores entity snapshots fetched from the hub so read requests
// do not hit the hub's REST API every time.
package cache

import (
	"context"
	"time"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

const DefaultTTL = 300 * time.Second

// Cache is a best-effort snapshot store. Read failures are reported as misses.
type Cache interface {
	GetEntity(ctx context.Context, entityID string) (hass.State, bool)
	SetEntity(ctx context.Context, st hass.State)
	GetAll(ctx context.Context) ([]hass.State, bool)
	SetAll(ctx context.Context, states []hass.State)
	// InvalidateEntity drops the entity and the all-entities list.
	InvalidateEntity(ctx context.Context, entityID string)
	InvalidateAll(ctx context.Context)
}

const allEntitiesKey = "ha:entities:all"

func entityKey(id string) string { return "ha:entity:" + id }
