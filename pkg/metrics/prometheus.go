package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database Metrics
	dbQueryDuration    *prometheus.HistogramVec
	dbQueryErrorsTotal *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Signaling Metrics
	roomsActive        prometheus.Gauge
	relayDroppedTotal  *prometheus.CounterVec
	roomViolationTotal *prometheus.CounterVec

	// Call Metrics
	callTransitionsTotal   *prometheus.CounterVec
	callTransitionsRefused *prometheus.CounterVec
	callsDuration          prometheus.Histogram

	// Auth Metrics
	authFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Database query latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbQueryErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_errors_total",
				Help:        "Total number of database query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections_active",
				Help:        "Number of open signaling connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling transport errors",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		// Signaling Metrics
		roomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_rooms_active",
				Help:        "Number of call rooms with at least one member",
				ConstLabels: labels,
			},
		),
		relayDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_relay_dropped_total",
				Help:        "Relayed messages dropped because no peer was present or the peer queue was full",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		roomViolationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_room_violations_total",
				Help:        "Messages rejected because the sender was not in the addressed room",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		// Call Metrics
		callTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Total number of applied call status transitions",
				ConstLabels: labels,
			},
			[]string{"to"},
		),
		callTransitionsRefused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_refused_total",
				Help:        "Total number of refused call status transitions",
				ConstLabels: labels,
			},
			[]string{"to", "reason"},
		),
		callsDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of completed calls from start to end",
				ConstLabels: labels,
				Buckets:     []float64{30, 60, 300, 600, 1200, 1800, 2400, 3600},
			},
		),

		// Auth Metrics
		authFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "auth_failures_total",
				Help:        "Total number of authentication failures",
				ConstLabels: labels,
			},
			[]string{"transport", "reason"},
		),
	}

	return m
}

// GetRegistry returns the registry the metrics are registered with
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Database Metrics Methods

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrorsTotal.WithLabelValues(operation, table).Inc()
	}
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(reason string) {
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// Signaling Metrics Methods

// SetActiveRooms sets the number of live call rooms
func (m *Metrics) SetActiveRooms(count int) {
	m.roomsActive.Set(float64(count))
}

// RecordRelayDropped records a relayed message that reached nobody
func (m *Metrics) RecordRelayDropped(msgType, reason string) {
	m.relayDroppedTotal.WithLabelValues(msgType, reason).Inc()
}

// RecordRoomViolation records a message rejected for addressing a foreign room
func (m *Metrics) RecordRoomViolation(msgType string) {
	m.roomViolationTotal.WithLabelValues(msgType).Inc()
}

// Call Metrics Methods

// RecordCallTransition records an applied status transition
func (m *Metrics) RecordCallTransition(to string) {
	m.callTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordCallTransitionRefused records a refused status transition
func (m *Metrics) RecordCallTransitionRefused(to, reason string) {
	m.callTransitionsRefused.WithLabelValues(to, reason).Inc()
}

// RecordCallDuration records the duration of an ended call
func (m *Metrics) RecordCallDuration(duration time.Duration) {
	m.callsDuration.Observe(duration.Seconds())
}

// Auth Metrics Methods

// RecordAuthFailure records an authentication failure
func (m *Metrics) RecordAuthFailure(transport, reason string) {
	m.authFailuresTotal.WithLabelValues(transport, reason).Inc()
}
