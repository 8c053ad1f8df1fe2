package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tick metrics
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_ticks_total",
			Help: "Total number of correlation ticks started",
		},
	)

	TickErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_tick_errors_total",
			Help: "Total number of ticks that failed with an unrecoverable error",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_tick_duration_seconds",
			Help:    "Duration of a full correlation tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Expectation metrics
	ExpectationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_expectations_processed_total",
			Help: "Expectations resolved per tick, by terminal result",
		},
		[]string{"result"},
	)

	ExpectationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_expectations_expired_total",
			Help: "Expectations that outlived the scanning window",
		},
	)

	// Vendor fetch metrics
	AlertsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_alerts_fetched_total",
			Help: "Raw alerts returned by the vendor, by vendor name",
		},
		[]string{"vendor"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_fetch_retries_total",
			Help: "Vendor fetch attempts beyond the first, by vendor name",
		},
		[]string{"vendor"},
	)

	NormalizeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_normalize_errors_total",
			Help: "Vendor records that could not be normalized, by vendor name",
		},
		[]string{"vendor"},
	)

	// Writer metrics
	UpdateFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_update_fallbacks_total",
			Help: "Bulk verdict updates that fell back to per-item calls",
		},
	)

	TracesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_traces_created_total",
			Help: "Evidentiary traces submitted to the platform",
		},
	)
)
