// Package metrics holds the Prometheus collectors for reconcile runs and the
// preview proxy.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "ndxcanary"

// Metrics is a set of collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	reconcileTotalM    *prometheus.CounterVec
	reconcileDurationM prometheus.Histogram
	reconcileAttemptsM prometheus.Gauge
	reconcileWritesM   *prometheus.CounterVec
	previewRequestsM   *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New registers every collector on a new registry.
func New() *Metrics {
	reconcileTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "total",
		Help:      "Reconcile runs by outcome.",
	}, []string{"result"})

	reconcileDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a reconcile run.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	reconcileAttempts := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "attempts",
		Help:      "Read-mutate-write attempts used by the last reconcile run.",
	})

	reconcileWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "writes_total",
		Help:      "Control-plane writes by reconcile step.",
	}, []string{"step"})

	previewRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "preview",
		Name:      "requests_total",
		Help:      "Preview proxy requests by routing target.",
	}, []string{"target"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		reconcileTotal,
		reconcileDuration,
		reconcileAttempts,
		reconcileWrites,
		previewRequests,
	)

	return &Metrics{
		reconcileTotalM:    reconcileTotal,
		reconcileDurationM: reconcileDuration,
		reconcileAttemptsM: reconcileAttempts,
		reconcileWritesM:   reconcileWrites,
		previewRequestsM:   previewRequests,
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunFinished records the outcome of a reconcile run.
func (m *Metrics) RunFinished(result string, elapsed time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.reconcileTotalM.WithLabelValues(result).Inc()
	m.reconcileDurationM.Observe(elapsed.Seconds())
	m.reconcileAttemptsM.Set(float64(attempts))
}

// Wrote counts one control-plane write made by step.
func (m *Metrics) Wrote(step string) {
	if m == nil {
		return
	}
	m.reconcileWritesM.WithLabelValues(step).Inc()
}

// PreviewRequest counts one preview request routed to target.
func (m *Metrics) PreviewRequest(target string) {
	if m == nil {
		return
	}
	m.previewRequestsM.WithLabelValues(target).Inc()
}

// ServeHTTP exposes the registry in the Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		http.NotFound(w, r)
		return
	}
	m.handler.ServeHTTP(w, r)
}

// Push sends the registry to a Pushgateway under job, replacing what the
// job pushed last time.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
