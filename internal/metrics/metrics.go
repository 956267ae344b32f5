// Package metrics registers the broker's prometheus collectors with the
// default registry and exposes the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dcmrs_broker"

var (
	RetrievalsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieve",
		Name:      "started_total",
		Help:      "Retrieval tasks scheduled after a cache miss",
	})
	RetrievalAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieve",
		Name:      "attempts_total",
		Help:      "C-MOVE attempts issued by retrieval tasks",
	})
	RetrievalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieve",
		Name:      "outcomes_total",
		Help:      "Finished retrieval tasks by outcome",
	},
		[]string{
			"outcome",
		})
	RetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieve",
		Name:      "duration_seconds",
		Help:      "Time from scheduling to a terminal cache entry",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	})
	RetrievalsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "retrieve",
		Name:      "in_flight",
		Help:      "Retrieval tasks currently running or queued",
	})
	QueryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "C-FIND queries by level and result",
	},
		[]string{
			"level",
			"result",
		})
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "C-FIND round trip time",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	},
		[]string{
			"level",
		})
	IngestObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "objects_total",
		Help:      "C-STORE requests handled by result",
	},
		[]string{
			"result",
		})
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by the reaper",
	},
		[]string{
			"kind",
		})
	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "sweep_duration_seconds",
		Help:      "Reaper sweep execution time",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
