package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handoff"

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	// Distribution metrics
	distributionRuns     *prometheus.CounterVec
	distributionErrors   *prometheus.CounterVec
	distributionDuration *prometheus.HistogramVec
	outcomes             *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Agent connection metrics
	agentConnections    prometheus.Counter
	agentDisconnections prometheus.Counter
	activeAgents        prometheus.Gauge
	presenceUpdates     *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		distributionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_runs_total",
			Help:      "Completed distribution passes by request mode.",
		}, []string{"mode"}),
		distributionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_errors_total",
			Help:      "Distribution passes that failed before processing any escalation.",
		}, []string{"mode"}),
		distributionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distribution_duration_seconds",
			Help:      "Wall time of a distribution pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_outcomes_total",
			Help:      "Per-escalation distribution outcomes by method.",
		}, []string{"method"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Assignment notifications by delivery result.",
		}, []string{"result"}),
		agentConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connections_total",
			Help:      "Agent websocket connections accepted.",
		}),
		agentDisconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_disconnections_total",
			Help:      "Agent websocket connections closed.",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_active_connections",
			Help:      "Agents currently connected over websocket.",
		}),
		presenceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_updates_total",
			Help:      "Presence changes written to the agent directory.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.distributionRuns,
		m.distributionErrors,
		m.distributionDuration,
		m.outcomes,
		m.notifications,
		m.agentConnections,
		m.agentDisconnections,
		m.activeAgents,
		m.presenceUpdates,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// RecordDistributionRun records a completed distribution pass
func (m *Metrics) RecordDistributionRun(mode string, duration time.Duration) {
	m.distributionRuns.WithLabelValues(mode).Inc()
	m.distributionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordDistributionError records a pass that could not read its pending list
func (m *Metrics) RecordDistributionError(mode string) {
	m.distributionErrors.WithLabelValues(mode).Inc()
}

// RecordOutcome records a per-escalation outcome
func (m *Metrics) RecordOutcome(method types.Method) {
	m.outcomes.WithLabelValues(string(method)).Inc()
}

// RecordNotification records whether an assignment notification reached a live agent socket
func (m *Metrics) RecordNotification(delivered bool) {
	result := "stored"
	if delivered {
		result = "delivered"
	}
	m.notifications.WithLabelValues(result).Inc()
}

// RecordAgentConnect increments connection counters
func (m *Metrics) RecordAgentConnect() {
	m.agentConnections.Inc()
	m.activeAgents.Inc()
}

// RecordAgentDisconnect increments the disconnection counter
func (m *Metrics) RecordAgentDisconnect() {
	m.agentDisconnections.Inc()
	m.activeAgents.Dec()
}

// RecordPresenceUpdate records a presence write
func (m *Metrics) RecordPresenceUpdate(status types.PresenceStatus) {
	m.presenceUpdates.WithLabelValues(string(status)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
