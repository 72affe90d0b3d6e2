package authstate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics is nil-safe: a Store built without a registerer records nothing.
type storeMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newStoreMetrics(reg prometheus.Registerer, backend string) *storeMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"backend": backend}

	return &storeMetrics{
		ops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "linkgate",
			Subsystem:   "authstate",
			Name:        "operations_total",
			Help:        "Auth-state store operations by result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "linkgate",
			Subsystem:   "authstate",
			Name:        "operation_duration_seconds",
			Help:        "Auth-state store operation latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
