package hass

import "github.com/prometheus/client_golang/prometheus"

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hass_gateway_frames_received_total",
			Help: "Hub websocket frames received, by message type.",
		},
		[]string{"type"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hass_gateway_frames_dropped_total",
			Help: "Hub websocket frames dropped, by reason.",
		},
		[]string{"reason"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hass_gateway_reconnect_attempts_total",
			Help: "Reconnect attempts fired by the fixed-delay timer.",
		},
	)
	restRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hass_gateway_rest_requests_total",
			Help: "REST calls made to the hub, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(framesReceived, framesDropped, reconnectAttempts, restRequests)
}
