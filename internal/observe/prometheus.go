package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors mirrors store metrics into Prometheus.
type Collectors struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer, namespace string) (*Collectors, error) {
	if namespace == "" {
		namespace = "tagflow"
	}
	c := &Collectors{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_invocations_total",
			Help:      "Total number of processor invocations per stage",
		}, []string{"stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per processor invocation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"stage"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Total number of recorded stage errors",
		}, []string{"stage"}),
	}
	for _, col := range []prometheus.Collector{c.invocations, c.duration, c.errors} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) observe(stage string, d time.Duration) {
	c.invocations.WithLabelValues(stage).Inc()
	c.duration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collectors) incError(stage string) {
	c.errors.WithLabelValues(stage).Inc()
}
