package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermitsGranted tracks rate-limiter permits issued per lane.
	PermitsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanerun_permits_granted_total",
			Help: "Total number of rate-limiter permits granted",
		},
		[]string{"lane"},
	)

	// LimiterWaitSeconds tracks time spent waiting for a permit.
	LimiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lanerun_limiter_wait_seconds",
			Help:    "Time spent blocked in the rate limiter",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	// ResultsTotal tracks emitted result records per status and kind.
	ResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanerun_results_total",
			Help: "Total number of result records emitted",
		},
		[]string{"status", "error_kind"},
	)

	// CallLatency tracks external call latency per lane.
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lanerun_call_latency_seconds",
			Help:    "External call latency in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"lane"},
	)

	// RetriesTotal tracks retried attempts per error kind.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanerun_retries_total",
			Help: "Total number of retried task attempts",
		},
		[]string{"error_kind"},
	)

	// FlushesTotal tracks collector flushes per trigger.
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanerun_flushes_total",
			Help: "Total number of collector flushes",
		},
		[]string{"trigger"},
	)

	// FlushBatchSize tracks number of records per flush.
	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lanerun_flush_batch_size",
			Help:    "Number of records per collector flush",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 250},
		},
	)

	// StoreConflictsTotal tracks merges that had to wait out lock contention.
	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanerun_store_conflicts_total",
			Help: "Total number of aggregation store lock conflicts",
		},
	)

	// MergedRecordsTotal tracks records folded into the aggregate, by outcome.
	MergedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanerun_merged_records_total",
			Help: "Total number of records merged into the aggregation store",
		},
		[]string{"outcome"}, // applied, duplicate
	)

	// ShardsByState tracks the current number of shards in each state.
	ShardsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lanerun_shards",
			Help: "Number of shards per supervision state",
		},
		[]string{"state"},
	)
)
