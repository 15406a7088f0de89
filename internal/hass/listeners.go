package hass

import (
	"sync"
	"sync/atomic"
)

// EventName identifies a kind of gateway event listeners can register for.
type EventName string

const (
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
	EventAuthFailed   EventName = "auth_failed"
	EventStateChanged EventName = "state_changed"
	// EventAny carries every raw hub event envelope.
	EventAny EventName = "event"
)

// Listener receives the payload of an event: nil for connected,
// disconnected and auth_failed, StateChanged for state_changed and Event
// for event.
type Listener func(payload any)

type listenerEntry struct {
	id      uint64
	fn      Listener
	removed atomic.Bool
}

// registry is an in-memory listener set keyed by event name. Listeners for
// one name run in registration order.
type registry struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventName][]*listenerEntry
}

func newRegistry() *registry {
	return &registry{listeners: map[EventName][]*listenerEntry{}}
}

func (r *registry) add(name EventName, fn Listener) func() {
	r.mu.Lock()
	r.nextID++
	e := &listenerEntry{id: r.nextID, fn: fn}
	r.listeners[name] = append(r.listeners[name], e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.removed.Store(true)
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.listeners[name]
			for i, cur := range list {
				if cur.id == e.id {
					r.listeners[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(r.listeners[name]) == 0 {
				delete(r.listeners, name)
			}
		})
	}
}

func (r *registry) emit(name EventName, payload any) {
	r.mu.Lock()
	list := append([]*listenerEntry(nil), r.listeners[name]...)
	r.mu.Unlock()

	for _, e := range list {
		// Disposed while an earlier listener of this emit was running.
		if e.removed.Load() {
			continue
		}
		e.fn(payload)
	}
}

func (r *registry) count(name EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[name])
}
