// Package metrics exposes Prometheus metrics for the relay pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay Prometheus metrics.
type Metrics struct {
	// Queue pass metrics
	ItemsProcessed  *prometheus.CounterVec
	ItemsEnqueued   prometheus.Counter
	EnqueueRejected *prometheus.CounterVec
	BatchSize       prometheus.Histogram

	// Submission metrics
	SubmitDuration prometheus.Histogram

	// Retry pass metrics
	RetriesRequeued prometheus.Counter

	// Sweeper metrics
	SweepResolutions *prometheus.CounterVec

	// Queue depth gauges, refreshed each pass
	QueueDepth *prometheus.GaugeVec
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics against reg. Tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_items_processed_total",
			Help: "Queue items processed, by outcome (success, requeued, failed)",
		}, []string{"outcome"}),

		ItemsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_items_enqueued_total",
			Help: "Items accepted into the archive queue",
		}),

		EnqueueRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_enqueue_rejected_total",
			Help: "Enqueue requests rejected, by reason (duplicate, recent, invalid)",
		}, []string{"reason"}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_size",
			Help:    "Items claimed per processing pass",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),

		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_submit_duration_seconds",
			Help:    "Time to submit one URL to Save Page Now",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		}),

		RetriesRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_retries_requeued_total",
			Help: "Failed items moved back to pending by the retry pass",
		}),

		SweepResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sweep_resolutions_total",
			Help: "Stuck items resolved by the sweeper, by resolution (archived, requeued, failed)",
		}, []string{"resolution"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Queue items by status",
		}, []string{"status"}),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
