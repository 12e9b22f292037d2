package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for relayed messages
const (
	DropNoDestination = "no_destination"
	DropOtherRoom     = "other_room"
	DropNotInRoom     = "not_in_room"
	DropSlowConsumer  = "slow_consumer"
	DropRateLimited   = "rate_limited"
	DropMalformed     = "malformed"
)

// Collector defines the interface for signaling metrics collection
type Collector interface {
	// Connection metrics
	ClientConnected()
	ClientDisconnected()

	// Room metrics
	ParticipantJoined(roomCreated bool)
	ParticipantLeft(roomClosed bool)

	// Signaling metrics
	MessageReceived(messageType string, sizeBytes int)
	MessageRelayed(messageType string)
	MessageDropped(messageType, reason string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	activeClients prometheus.Gauge
	connections   prometheus.Counter

	activeRooms prometheus.Gauge
	joins       prometheus.Counter
	leaves      prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesRelayed  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	messageSize      *prometheus.HistogramVec
}

// NewPrometheusCollector registers the signaling metrics on reg. Passing a
// dedicated registry keeps tests independent of the global one.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,

		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_active_clients",
			Help: "Number of connected signaling clients",
		}),
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_client_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_active_rooms",
			Help: "Number of rooms with at least one participant",
		}),
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_room_joins_total",
			Help: "Total number of room joins",
		}),
		leaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_room_leaves_total",
			Help: "Total number of room leaves",
		}),

		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_received_total",
				Help: "Total number of websocket messages received",
			},
			[]string{"message_type"},
		),
		messagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_relayed_total",
				Help: "Total number of signals delivered to their destination",
			},
			[]string{"message_type"},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_dropped_total",
				Help: "Total number of messages dropped",
			},
			[]string{"message_type", "reason"},
		),
		messageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signaling_message_size_bytes",
				Help:    "Size of received websocket messages in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 11), // 64B to 64KB
			},
			[]string{"message_type"},
		),
	}
}

// ClientConnected records a new connection
func (c *PrometheusCollector) ClientConnected() {
	c.connections.Inc()
	c.activeClients.Inc()
}

// ClientDisconnected records a closed connection
func (c *PrometheusCollector) ClientDisconnected() {
	c.activeClients.Dec()
}

// ParticipantJoined records a join; roomCreated is true for the first member
func (c *PrometheusCollector) ParticipantJoined(roomCreated bool) {
	c.joins.Inc()
	if roomCreated {
		c.activeRooms.Inc()
	}
}

// ParticipantLeft records a leave; roomClosed is true for the last member
func (c *PrometheusCollector) ParticipantLeft(roomClosed bool) {
	c.leaves.Inc()
	if roomClosed {
		c.activeRooms.Dec()
	}
}

// MessageReceived records an inbound message
func (c *PrometheusCollector) MessageReceived(messageType string, sizeBytes int) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType).Observe(float64(sizeBytes))
}

// MessageRelayed records a delivered signal
func (c *PrometheusCollector) MessageRelayed(messageType string) {
	c.messagesRelayed.WithLabelValues(messageType).Inc()
}

// MessageDropped records a message that was not delivered
func (c *PrometheusCollector) MessageDropped(messageType, reason string) {
	c.messagesDropped.WithLabelValues(messageType, reason).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ClientConnected() {}
func (Nop) ClientDisconnected() {}
func (Nop) ParticipantJoined(bool) {}
func (Nop) ParticipantLeft(bool) {}
func (Nop) MessageReceived(string, int) {}
func (Nop) MessageRelayed(string) {}
func (Nop) MessageDropped(string, string) {}
func (Nop) Handler() http.Handler { return http.NotFoundHandler() }
