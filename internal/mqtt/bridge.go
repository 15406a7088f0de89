package mqtt

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

// Snapshots queued beyond this while the broker is slow are dropped.
const queueSize = 256

var bridgeDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "hass_gateway_mqtt_dropped_total",
	Help: "State snapshots dropped because the MQTT publish queue was full.",
})

func init() {
	prometheus.MustRegister(bridgeDropped)
}

type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// StateSource is the subset of the gateway the bridge listens to.
type StateSource interface {
	OnStateChanged(fn func(hass.StateChanged)) func()
}

// Bridge republishes every new entity snapshot to <prefix><entity_id>.
// Publishing happens on the bridge's own goroutine so a slow broker never
// holds up the gateway's event listeners.
type Bridge struct {
	pub    Publisher
	prefix string
	retain bool

	queue   chan outbound
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type outbound struct {
	topic   string
	payload []byte
	state   string
}

func NewBridge(pub Publisher, prefix string, retain bool) *Bridge {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	b := &Bridge{
		pub:    pub,
		prefix: prefix,
		retain: retain,
		queue:  make(chan outbound, queueSize),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bridge) Attach(src StateSource) func() {
	return src.OnStateChanged(b.enqueue)
}

func (b *Bridge) Topic(entityID string) string {
	return b.prefix + entityID
}

// Dropped reports how many snapshots were discarded on a full queue.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the publisher goroutine. Queued snapshots are discarded.
func (b *Bridge) Close() {
	b.stop.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Bridge) enqueue(sc hass.StateChanged) {
	if sc.NewState == nil || sc.EntityID == "" {
		return
	}
	payload, err := json.Marshal(sc.NewState)
	if err != nil {
		slog.Warn("mqtt bridge marshal failed", "entity_id", sc.EntityID, "error", err)
		return
	}
	msg := outbound{topic: b.Topic(sc.EntityID), payload: payload, state: sc.NewState.State}
	select {
	case b.queue <- msg:
	default:
		b.dropped.Add(1)
		bridgeDropped.Inc()
		slog.Warn("mqtt bridge queue full, dropping snapshot", "topic", msg.topic)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			if err := b.pub.Publish(msg.topic, msg.payload, b.retain); err != nil {
				slog.Warn("mqtt bridge publish failed", "topic", msg.topic, "error", err)
				continue
			}
			slog.Debug("mqtt bridge published", "topic", msg.topic, "state", msg.state)
		}
	}
}
