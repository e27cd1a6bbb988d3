// Package metrics exposes the runtime's Prometheus series: queue
// admission depth, job lifecycle counters and durations, cache hit/miss,
// and dispatcher placement outcomes, registered via promauto as
// package-level vars with a Handler() for wiring into an HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridforge_jobs_submitted_total",
			Help: "Total number of jobs created on this node.",
		},
		[]string{"node"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridforge_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state.",
		},
		[]string{"node", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridforge_job_duration_seconds",
			Help:    "Wall-clock time from Running to a terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		},
		[]string{"node", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridforge_queue_depth",
			Help: "Current number of pending jobs in the resource queue.",
		},
	)

	QueueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridforge_queue_active",
			Help: "Current number of admitted (active) jobs in the resource queue.",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridforge_cache_lookups_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"}, // hit, miss, corrupted
	)

	CacheSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridforge_cache_saves_total",
			Help: "Cache save attempts by outcome.",
		},
		[]string{"outcome"}, // written, skipped_exists, skipped_race
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridforge_cache_evictions_total",
			Help: "Total number of cache entries evicted.",
		},
	)

	DispatcherPlacements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridforge_dispatcher_placements_total",
			Help: "Dispatcher placements by outcome.",
		},
		[]string{"node", "outcome"}, // local, peer, no_host
	)
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
