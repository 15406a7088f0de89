package hass

import "encoding/json"

// State is one entity snapshot as reported by the hub. Timestamps are kept
// as the hub's ISO-8601 strings so snapshots pass through unchanged.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
	Context     *Context       `json:"context,omitempty"`
}

type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// Event is the raw event envelope delivered by a subscribe_events command.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired string          `json:"time_fired,omitempty"`
	Context   *Context        `json:"context,omitempty"`
}

// StateChanged is the payload of the state_changed listener event.
type StateChanged struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// ResultError is the error object of a failed command result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
