package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver renders every Event as Prometheus counters, keyed by
// event Type and Level, plus a job-duration histogram that observes the
// Data["seconds"] value (a float64) of any event that carries one,
// whatever its Type.
// Registered against the same package-level Observer interface every other
// subsystem already emits through — the daemon wires it in alongside (not
// instead of) the SlogObserver via MultiObserver.
type PrometheusObserver struct {
	events    *prometheus.CounterVec
	durations prometheus.Histogram
}

// NewPrometheusObserver creates a PrometheusObserver and registers its
// collectors against reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	p := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyord",
			Name:      "events_total",
			Help:      "Count of observability events by type and severity level.",
		}, []string{"type", "level"}),
		durations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conveyord",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of jobs from start to a terminal conclusion.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(p.events, p.durations)
	return p
}

// OnEvent implements Observer.
func (p *PrometheusObserver) OnEvent(ctx context.Context, event Event) {
	p.events.WithLabelValues(string(event.Type), event.Level.String()).Inc()
	if seconds, ok := event.Data["seconds"].(float64); ok {
		p.durations.Observe(seconds)
	}
}
