// Package observability exposes agent metrics in Prometheus format and
// tracks the health signal reported by the status API.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/hcsagent/internal/events"
)

// Metrics holds the agent's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	messages      *prometheus.CounterVec
	sends         *prometheus.CounterVec
	events        *prometheus.CounterVec
	pollErrors    prometheus.Counter
	storageErrors prometheus.Counter
	cycle         prometheus.Histogram
	connections   prometheus.Gauge
	pending       prometheus.Gauge
	executed      prometheus.Gauge
	degraded      prometheus.Gauge
}

// NewMetrics creates the collectors under namespace (default "hcsagent").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hcsagent"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages dispatched, segmented by topic and terminal state.",
		}, []string{"topic", "state"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound messages submitted to the transport, segmented by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted, segmented by kind.",
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Transport poll failures.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed writes to the state store.",
		}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of a complete poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Established peer connections.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_proposals",
			Help:      "Proposals awaiting approval.",
		}),
		executed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executed_proposals",
			Help:      "Executed rebalance proposals.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 when the agent has fallen back from the connection manager.",
		}),
	}
	m.registry.MustRegister(
		m.messages, m.sends, m.events,
		m.pollErrors, m.storageErrors, m.cycle,
		m.connections, m.pending, m.executed, m.degraded,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMessage(topic, state string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(topic, state).Inc()
}

func (m *Metrics) ObserveSend(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Metrics) ObserveStorageError() {
	if m == nil {
		return
	}
	m.storageErrors.Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycle.Observe(d.Seconds())
}

// SetSizes publishes the current projection sizes.
func (m *Metrics) SetSizes(connections, pending, executed int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.pending.Set(float64(pending))
	m.executed.Set(float64(executed))
}

func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// Emit counts events so Metrics can sit in an events.Fanout.
func (m *Metrics) Emit(_ context.Context, e events.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(e.Kind)).Inc()
}
