// Package metrics holds the Prometheus collectors for tandem.
//
// All methods are safe on a nil *Metrics so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

// Metrics bundles every collector registered by the service.
type Metrics struct {
	reg *prometheus.Registry

	eventUpdates      *prometheus.CounterVec
	inviteTransitions *prometheus.CounterVec
	inviteEmailFail   prometheus.Counter
	fanout            *prometheus.CounterVec
	presenceOnline    prometheus.Gauge
	wsConnections     prometheus.Gauge
	httpDuration      *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		eventUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_updates_total",
			Help:      "Conditional event updates by result (applied, conflict).",
		}, []string{"result"}),
		inviteTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_transitions_total",
			Help:      "Invitation state transitions by target status.",
		}, []string{"to"}),
		inviteEmailFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_email_failures_total",
			Help:      "Invitation emails that could not be dispatched.",
		}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_messages_total",
			Help:      "Fan-out deliveries to local subscribers by result (delivered, dropped).",
		}, []string{"result"}),
		presenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online",
			Help:      "Actors currently present across all events on this process.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "class"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventUpdates,
		m.inviteTransitions,
		m.inviteEmailFail,
		m.fanout,
		m.presenceOnline,
		m.wsConnections,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// EventUpdate records a conditional update outcome.
func (m *Metrics) EventUpdate(applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.eventUpdates.WithLabelValues("applied").Inc()
		return
	}
	m.eventUpdates.WithLabelValues("conflict").Inc()
}

// InvitationTransition records a transition into status to.
func (m *Metrics) InvitationTransition(to string) {
	if m == nil {
		return
	}
	m.inviteTransitions.WithLabelValues(to).Inc()
}

// InvitationEmailFailed records a failed invitation email.
func (m *Metrics) InvitationEmailFailed() {
	if m == nil {
		return
	}
	m.inviteEmailFail.Inc()
}

// Fanout records local delivery results for one published message.
func (m *Metrics) Fanout(delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.fanout.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.fanout.WithLabelValues("dropped").Add(float64(dropped))
	}
}

// PresenceOnline adjusts the online gauge by delta.
func (m *Metrics) PresenceOnline(delta int) {
	if m == nil {
		return
	}
	m.presenceOnline.Add(float64(delta))
}

// WSConnections adjusts the connection gauge by delta.
func (m *Metrics) WSConnections(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

// ObserveHTTP records one request duration.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
