package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_provider_api_calls_total",
			Help: "Total statistics provider API calls",
		},
		[]string{"endpoint", "status"},
	)

	ProviderAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parcelwatch_provider_api_latency_seconds",
			Help:    "Statistics provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_readings_ingested_total",
			Help: "Total raw readings successfully ingested",
		},
		[]string{"metric"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_ingestion_jobs_total",
			Help: "Total ingestion jobs by terminal status",
		},
		[]string{"status", "job_type"},
	)

	TimeSeriesPointsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_time_series_points_created_total",
			Help: "Total time-series points created",
		},
		[]string{"period"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_alerts_raised_total",
			Help: "Total alerts raised by type",
		},
		[]string{"type", "severity"},
	)

	SchedulerRunsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_scheduler_runs_skipped_total",
			Help: "Scheduler ticks coalesced because the previous run was still in flight",
		},
		[]string{"job"},
	)
)
