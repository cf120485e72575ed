package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termrelay"

// Metrics holds all Prometheus metrics. Each instance owns its registry, so
// several gateways (or tests) can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	Sessions           *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec

	// Provisioning metrics
	Provisions        *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	BreakerState      *prometheus.GaugeVec

	// Relay metrics
	RelaysActive  prometheus.Gauge
	RelayMessages *prometheus.CounterVec
	RelayBytes    *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates a metrics set on a fresh registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds (websocket routes measure the whole connection)",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 600},
			},
			[]string{"method", "route"},
		),

		Sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Number of known sessions by status",
			},
			[]string{"status"},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session status transitions by target status",
			},
			[]string{"status"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Connect calls for an existing session id by outcome",
			},
			[]string{"outcome"},
		),

		Provisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Backend provisioning attempts by result",
			},
			[]string{"result"},
		),
		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time from provisioning request to backend readiness",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),

		RelaysActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "relays_active",
				Help:      "Number of client connections currently relayed",
			},
		),
		RelayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_messages_total",
				Help:      "Messages forwarded by direction",
			},
			[]string{"direction"},
		),
		RelayBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_bytes_total",
				Help:      "Payload bytes forwarded by direction",
			},
			[]string{"direction"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Gateway uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSessions publishes the session count for one status.
func (m *Metrics) SetSessions(status string, count int) {
	m.Sessions.WithLabelValues(status).Set(float64(count))
}

// RecordTransition counts a session entering status.
func (m *Metrics) RecordTransition(status string) {
	m.SessionTransitions.WithLabelValues(status).Inc()
}

// RecordReconnect counts a Connect for an existing id.
func (m *Metrics) RecordReconnect(outcome string) {
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// RecordProvision records one provisioning attempt.
func (m *Metrics) RecordProvision(result string, duration time.Duration) {
	m.Provisions.WithLabelValues(result).Inc()
	if result == "success" {
		m.ProvisionDuration.Observe(duration.Seconds())
	}
}

// SetBreakerState publishes a breaker position.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// IncRelays increments active relays.
func (m *Metrics) IncRelays() { m.RelaysActive.Inc() }

// DecRelays decrements active relays.
func (m *Metrics) DecRelays() { m.RelaysActive.Dec() }

// RecordRelayMessage counts one forwarded message.
func (m *Metrics) RecordRelayMessage(direction string, size int) {
	m.RelayMessages.WithLabelValues(direction).Inc()
	m.RelayBytes.WithLabelValues(direction).Add(float64(size))
}
