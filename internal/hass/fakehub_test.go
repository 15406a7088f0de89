package hass

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testToken = "test-token"

// fakeHub speaks the hub websocket protocol on /api/websocket.
type fakeHub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	push chan []byte
	drop chan struct{}
	// silent stops the hub answering pings, like a peer that vanished
	// without closing TCP.
	silent atomic.Bool

	mu       sync.Mutex
	accepts  int
	open     int
	maxOpen  int
	received []map[string]any
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		push: make(chan []byte),
		drop: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", h.serve)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.accepts++
	h.open++
	if h.open > h.maxOpen {
		h.maxOpen = h.open
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.open--
		h.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2024.6.0"})
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	h.record(auth)
	if auth["access_token"] != testToken {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		_, _, _ = conn.ReadMessage()
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"})
	conn.SetPingHandler(func(data string) error {
		if h.silent.Load() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	reads := make(chan map[string]any)
	go func() {
		defer close(reads)
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			select {
			case reads <- m:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case m, ok := <-reads:
			if !ok {
				return
			}
			h.record(m)
			if m["type"] == "subscribe_events" {
				_ = conn.WriteJSON(map[string]any{"id": m["id"], "type": "result", "success": true, "result": nil})
			}
		case frame := <-h.push:
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		case <-h.drop:
			return
		}
	}
}

func (h *fakeHub) record(m map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, m)
}

func (h *fakeHub) messagesOfType(typ string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]any
	for _, m := range h.received {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (h *fakeHub) counts() (accepts, open, maxOpen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepts, h.open, h.maxOpen
}

func (h *fakeHub) send(t *testing.T, v any) {
	t.Helper()
	b, ok := v.([]byte)
	if !ok {
		var err error
		b, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
	}
	select {
	case h.push <- b:
	case <-time.After(2 * time.Second):
		t.Fatalf("no live hub connection to push to")
	}
}

func (h *fakeHub) dropConn(t *testing.T) {
	t.Helper()
	select {
	case h.drop <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatalf("no live hub connection to drop")
	}
}

func newTestGateway(t *testing.T, h *fakeHub, token string, delay time.Duration) *Gateway {
	t.Helper()
	g, err := New(Options{BaseURL: h.srv.URL, Token: token, ReconnectDelay: delay})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(g.Disconnect)
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for listener")
	}
	var zero T
	return zero
}
