package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchesTotal counts finished per-parcel fetch cycles by final outcome.
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bisharvest_fetches_total",
		Help: "Final per-parcel fetch outcomes.",
	}, []string{"outcome"})
	// retriesTotal counts transient fetch attempts that were retried.
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bisharvest_retries_total",
		Help: "Fetch attempts retried after a transient failure.",
	})
	// skippedTotal counts parcels skipped because the ledger already had them.
	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bisharvest_skipped_total",
		Help: "Parcels skipped on resume because they were already done.",
	})
	// batchesTotal counts batches the scheduler finished, by disposition.
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bisharvest_batches_total",
		Help: "Batches completed, skipped, or halted by the scheduler.",
	}, []string{"disposition"})
	// fetchDuration observes wall time of single fetch attempts.
	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bisharvest_fetch_duration_seconds",
		Help:    "Latency of individual portal fetch attempts.",
		Buckets: prometheus.DefBuckets,
	})
)

// Outcome labels for fetchesTotal.
const (
	outcomeSuccess   = "success"
	outcomeNotFound  = "not_found"
	outcomeTransient = "transient_exhausted"
	outcomeFatal     = "fatal"
)
