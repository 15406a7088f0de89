// Package hass keeps one authenticated websocket connection to a Home
// Assistant hub, fans its events out to registered listeners, reconnects on
// a fixed delay when the socket drops, and wraps the hub's REST API.
package hass

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultBaseURL        = "http://localhost:8123"
	DefaultRequestTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	// The hub heartbeats its websocket clients every 55s; two missed
	// heartbeats mean the socket is dead.
	DefaultReadTimeout = 110 * time.Second

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ErrMissingToken is returned by New when no access token is configured.
var ErrMissingToken = errors.New("hass: access token is required")

// Phase is the lifecycle state of the hub connection.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseAwaitingAuth  Phase = "awaiting_auth"
	PhaseAuthenticated Phase = "authenticated"
)

// Status is a point-in-time view of the connection, used by health checks.
type Status struct {
	Phase            Phase `json:"state"`
	Reconnects       int   `json:"reconnects"`
	ReconnectPending bool  `json:"reconnect_pending"`
}

type Options struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	// ReadTimeout is how long the socket may stay silent before it is
	// treated as dropped. The gateway pings the hub at half this interval.
	ReadTimeout time.Duration
	// HTTPClient overrides the REST client; RequestTimeout is ignored when set.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type Gateway struct {
	baseURL        string
	wsURL          string
	token          string
	reconnectDelay time.Duration
	readTimeout    time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	listeners      *registry

	mu         sync.Mutex
	conn       *websocket.Conn
	dialing    bool
	phase      Phase
	gen        uint64
	nextID     int
	pending    map[int]func(resultMsg)
	timer      *time.Timer
	timerSeq   uint64
	halted     bool
	reconnects int

	// gorilla/websocket supports a single concurrent writer.
	writeMu sync.Mutex
}

func New(opts Options) (*Gateway, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	wsURL, err := websocketURL(base)
	if err != nil {
		return nil, err
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			// Hubs on the LAN commonly run with self-signed certificates.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	slog.Info("hass gateway initialized", "url", base)
	return &Gateway{
		baseURL:        base,
		wsURL:          wsURL,
		token:          token,
		reconnectDelay: delay,
		readTimeout:    readTimeout,
		httpClient:     hc,
		dialer:         dialer,
		listeners:      newRegistry(),
		phase:          PhaseDisconnected,
		nextID:         1,
		pending:        map[int]func(resultMsg){},
	}, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Connect opens the hub websocket in the background. It is a no-op while a
// socket is open or a dial is in flight. The outcome is reported through the
// connected and auth_failed events.
func (g *Gateway) Connect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.startLocked()
}

// Disconnect cancels a pending reconnect, closes the socket and drops all
// pending commands. No reconnect happens until Connect is called again.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	g.halted = true
	conn := g.teardownLocked()
	g.mu.Unlock()

	if conn != nil {
		closeConn(conn)
		g.listeners.emit(EventDisconnected, nil)
	}
	slog.Info("disconnected from hass")
}

// On registers fn for events of the given name and returns a function that
// removes exactly that listener.
func (g *Gateway) On(name EventName, fn Listener) func() {
	return g.listeners.add(name, fn)
}

func (g *Gateway) OnConnected(fn func()) func() {
	return g.On(EventConnected, func(any) { fn() })
}

func (g *Gateway) OnDisconnected(fn func()) func() {
	return g.On(EventDisconnected, func(any) { fn() })
}

func (g *Gateway) OnAuthFailed(fn func()) func() {
	return g.On(EventAuthFailed, func(any) { fn() })
}

func (g *Gateway) OnStateChanged(fn func(StateChanged)) func() {
	return g.On(EventStateChanged, func(p any) {
		if sc, ok := p.(StateChanged); ok {
			fn(sc)
		}
	})
}

func (g *Gateway) OnEvent(fn func(Event)) func() {
	return g.On(EventAny, func(p any) {
		if ev, ok := p.(Event); ok {
			fn(ev)
		}
	})
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Phase: g.phase, Reconnects: g.reconnects, ReconnectPending: g.timer != nil}
}

// startLocked begins a dial unless a socket is open or a dial is running.
func (g *Gateway) startLocked() {
	if g.conn != nil || g.dialing {
		return
	}
	g.stopTimerLocked()
	g.dialing = true
	g.phase = PhaseConnecting
	g.gen++
	go g.dial(g.gen)
}

func (g *Gateway) dial(gen uint64) {
	slog.Info("connecting to hass websocket", "url", g.wsURL)
	conn, _, err := g.dialer.Dial(g.wsURL, nil)

	g.mu.Lock()
	if gen != g.gen {
		// Disconnect was called while dialing.
		g.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	g.dialing = false
	if err != nil {
		g.phase = PhaseDisconnected
		g.scheduleReconnectLocked()
		g.mu.Unlock()
		slog.Error("hass websocket dial failed", "url", g.wsURL, "error", err)
		return
	}
	g.conn = conn
	g.mu.Unlock()

	slog.Info("hass websocket opened")
	g.readLoop(gen, conn)
}

func (g *Gateway) readLoop(gen uint64, conn *websocket.Conn) {
	defer g.closed(gen, conn)
	done := make(chan struct{})
	defer close(done)

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(g.readTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
	go g.keepalive(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if g.isCurrent(gen) {
				slog.Warn("hass websocket read failed", "error", err)
			}
			return
		}
		_ = extend()
		g.handleFrame(gen, data)
	}
}

// keepalive pings the hub so a socket whose peer vanished without closing
// TCP runs into the read deadline.
func (g *Gateway) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(g.readTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// closed runs when the reader of connection gen exits.
func (g *Gateway) closed(gen uint64, conn *websocket.Conn) {
	_ = conn.Close()

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	g.phase = PhaseDisconnected
	g.clearPendingLocked()
	g.scheduleReconnectLocked()
	g.mu.Unlock()

	slog.Warn("hass websocket closed, will attempt to reconnect", "delay", g.reconnectDelay)
	g.listeners.emit(EventDisconnected, nil)
}

func (g *Gateway) handleFrame(gen uint64, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			framesDropped.WithLabelValues("panic").Inc()
			slog.Error("hass message handler panicked", "panic", r)
		}
	}()

	if !g.isCurrent(gen) {
		return
	}
	msg, err := decodeFrame(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, errUnknownMessage) {
			reason = "unknown_type"
		}
		framesDropped.WithLabelValues(reason).Inc()
		slog.Warn("dropping hass message", "error", err)
		return
	}
	framesReceived.WithLabelValues(msg.kind()).Inc()

	switch m := msg.(type) {
	case authRequired:
		if !g.advance(gen, PhaseAwaitingAuth) {
			return
		}
		g.send(authRequest{Type: "auth", AccessToken: g.token})
	case authOK:
		if !g.advance(gen, PhaseAuthenticated) {
			return
		}
		slog.Info("hass websocket authenticated", "ha_version", m.HAVersion)
		g.listeners.emit(EventConnected, nil)
		g.subscribeStateChanges()
	case authInvalid:
		g.authFailed(gen, m.Message)
	case resultMsg:
		g.resolve(gen, m)
	case eventMsg:
		g.dispatchEvent(m.Event)
	}
}

func (g *Gateway) isCurrent(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen == g.gen
}

func (g *Gateway) advance(gen uint64, phase Phase) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen {
		return false
	}
	g.phase = phase
	return true
}

// authFailed tears the connection down and suspends reconnecting: retrying
// with the same token cannot succeed.
func (g *Gateway) authFailed(gen uint64, message string) {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.halted = true
	conn := g.teardownLocked()
	g.mu.Unlock()

	slog.Error("hass websocket authentication failed, reconnect suspended", "message", message)
	if conn != nil {
		closeConn(conn)
	}
	g.listeners.emit(EventAuthFailed, nil)
	g.listeners.emit(EventDisconnected, nil)
}

func (g *Gateway) resolve(gen uint64, res resultMsg) {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	cb, ok := g.pending[res.ID]
	if ok {
		delete(g.pending, res.ID)
	}
	g.mu.Unlock()

	if !ok {
		slog.Debug("ignoring result for unknown command", "id", res.ID)
		return
	}
	cb(res)
}

func (g *Gateway) dispatchEvent(ev Event) {
	if ev.EventType == string(EventStateChanged) {
		var sc StateChanged
		if err := json.Unmarshal(ev.Data, &sc); err != nil {
			slog.Warn("invalid state_changed payload", "error", err)
		} else if sc.NewState != nil {
			g.listeners.emit(EventStateChanged, sc)
		}
	}
	g.listeners.emit(EventAny, ev)
}

func (g *Gateway) subscribeStateChanges() {
	g.sendCommand(
		func(id int) any {
			return subscribeEventsCommand{ID: id, Type: "subscribe_events", EventType: string(EventStateChanged)}
		},
		func(res resultMsg) {
			if res.Success {
				slog.Info("subscribed to hass state_changed events", "id", res.ID)
				return
			}
			slog.Error("hass event subscription failed", "id", res.ID, "error", res.Error)
		},
	)
}

// sendCommand assigns the next command id, registers cb for the reply and
// sends the message built for that id.
func (g *Gateway) sendCommand(build func(id int) any, cb func(resultMsg)) {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		slog.Warn("cannot send command, hass websocket is not connected")
		return
	}
	id := g.nextID
	g.nextID++
	g.pending[id] = cb
	g.mu.Unlock()

	if !g.send(build(id)) {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}
}

// send writes v as JSON. Messages sent without an open socket are dropped.
func (g *Gateway) send(v any) bool {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		slog.Warn("cannot send message, hass websocket is not connected")
		return false
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		slog.Warn("hass websocket write failed", "error", err)
		return false
	}
	return true
}

func (g *Gateway) scheduleReconnectLocked() {
	if g.halted {
		return
	}
	g.stopTimerLocked()
	seq := g.timerSeq
	g.timer = time.AfterFunc(g.reconnectDelay, func() { g.reconnect(seq) })
}

func (g *Gateway) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	// Invalidates a callback that already fired but has not taken the lock.
	g.timerSeq++
}

func (g *Gateway) reconnect(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted || seq != g.timerSeq || g.timer == nil {
		return
	}
	g.timer = nil
	g.reconnects++
	reconnectAttempts.Inc()
	slog.Info("attempting to reconnect to hass", "attempt", g.reconnects)
	g.startLocked()
}

// teardownLocked detaches the current socket and invalidates its reader.
func (g *Gateway) teardownLocked() *websocket.Conn {
	g.stopTimerLocked()
	conn := g.conn
	g.conn = nil
	g.dialing = false
	g.gen++
	g.phase = PhaseDisconnected
	g.clearPendingLocked()
	return conn
}

func (g *Gateway) clearPendingLocked() {
	for id := range g.pending {
		delete(g.pending, id)
	}
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
