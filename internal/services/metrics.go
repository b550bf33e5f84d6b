// Package services – ingestion metrics
//
// Prometheus collectors for the ingestion engine and scheduler. Label
// cardinality is bounded: server names come from the adapter registry and
// outcomes from the fixed CycleOutcome set.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// ingestCycles counts completed cycles by server and outcome.
	ingestCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cycles_total",
			Help: "Total number of completed ingestion cycles.",
		},
		[]string{"server", "outcome"},
	)

	// ingestDuration records cycle duration in seconds by server.
	ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_cycle_duration_seconds",
			Help:    "Duration of ingestion cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// ingestInflight gauges currently running cycles.
	ingestInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_cycles_inflight",
			Help: "Current number of in-flight ingestion cycles.",
		},
	)

	// ingestAnomalies counts successful cycles whose experience delta was
	// clamped (regression detected).
	ingestAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_anomalies_total",
			Help: "Total number of cycles that flagged an experience regression.",
		},
	)

	// snapshotWrites counts snapshot upserts (inserts and same-day updates).
	snapshotWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_snapshot_writes_total",
			Help: "Total number of snapshot rows written (insert or update).",
		},
	)

	// schedulerDispatched counts characters handed to the worker pool per
	// selection source.
	schedulerDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatched_total",
			Help: "Total number of cycles dispatched by the scheduler.",
		},
		[]string{"source"}, // "tick" or "manual"
	)
)

func init() {
	prometheus.MustRegister(
		ingestCycles, ingestDuration, ingestInflight,
		ingestAnomalies, snapshotWrites, schedulerDispatched,
	)
}
