package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmistats_provider_calls_total",
			Help: "Total DMI metObs API page requests",
		},
		[]string{"parameter", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmistats_provider_latency_seconds",
			Help:    "DMI metObs API page request latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"parameter"},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmistats_pages_fetched_total",
			Help: "Total pages successfully fetched and decoded",
		},
		[]string{"parameter"},
	)

	ObservationsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmistats_observations_stored_total",
			Help: "Total observations newly written to the raw store",
		},
		[]string{"station", "parameter"},
	)

	ObservationsFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmistats_observations_flagged_total",
			Help: "Total provider records rejected by validation",
		},
		[]string{"flag"},
	)

	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmistats_ingest_units_total",
			Help: "Ingestion units by outcome",
		},
		[]string{"status"},
	)

	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmistats_rebuild_duration_seconds",
			Help:    "Duration of derived store rebuilds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	DailyStatsRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmistats_daily_stats_rows",
			Help: "Rows in daily_stats after the last rebuild",
		},
	)

	MonthlyStatsRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmistats_monthly_stats_rows",
			Help: "Rows in monthly_stats after the last rebuild",
		},
	)
)
