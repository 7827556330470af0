package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusOK      = "ok"
	statusInvalid = "invalid"
	statusFailed  = "failed"
)

// Metrics instruments the facade. A nil registerer gives working but unregistered
// collectors.
type Metrics struct {
	queries    *prometheus.CounterVec
	duration   prometheus.Histogram
	filtered   prometheus.Histogram
	superseded prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	return &Metrics{
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Dashboard queries by outcome.",
		}, []string{"status"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time to filter and aggregate one dashboard query.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		filtered: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "filtered_records",
			Help:      "Records left after applying the query's predicates.",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
		}),
		superseded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "superseded_results_total",
			Help:      "Results computed after a newer query had already been published.",
		}),
	}
}
