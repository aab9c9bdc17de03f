package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Market state ---
	PoolReserve   *prometheus.GaugeVec
	PoolPrice     prometheus.Gauge
	OpenPositions prometheus.Gauge

	// --- Liquidation & leverage ---
	Liquidations    *prometheus.CounterVec
	FlashProfit     prometheus.Counter
	LeverageLoops   *prometheus.HistogramVec
	LeverageStopped prometheus.Counter
	PriceShocks     *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency & ordering ---
	DedupLRUSize     prometheus.Gauge
	DedupDuplicates  *prometheus.GaugeVec
	DedupTier2Errors prometheus.Gauge
	SequenceGaps     *prometheus.CounterVec
	CommandsStale    *prometheus.CounterVec
	IngestMessages   *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, stale, error kind)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Last applied global sequence number",
		}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_pool_reserve",
			Help: "Pool reserve in token units",
		}, []string{"asset"}),

		PoolPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_price",
			Help: "Pool spot price, debt per collateral",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_open_positions",
			Help: "Accounts with a non-empty position",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Completed liquidations",
		}, []string{"mode"}),

		FlashProfit: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_flash_liquidation_profit_total",
			Help: "Collateral kept by flash liquidators, token units",
		}),

		LeverageLoops: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_leverage_iterations",
			Help:    "Iterations executed per leverage command",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}, []string{"operation"}),

		LeverageStopped: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_leverage_stopped_total",
			Help: "Leverage opens that stopped at the collateral ratio",
		}),

		PriceShocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_shocks_total",
			Help: "Price shocks applied",
		}, []string{"direction"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Outputs dropped from a full non-blocking channel",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Idempotency LRU entries",
		}),

		DedupDuplicates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_dedup_duplicates",
			Help: "Duplicate commands skipped since start, by dedup tier",
		}, []string{"command_type", "tier"}),

		DedupTier2Errors: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_tier2_errors",
			Help: "Command log lookups that failed since start",
		}),

		SequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_command_sequence_gap_total",
			Help: "Source sequence gaps observed (tolerated)",
		}, []string{"partition"}),

		CommandsStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_command_stale_total",
			Help: "Commands rejected for a stale source sequence",
		}, []string{"partition"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ingest_messages_total",
			Help: "Commands received by transport and outcome",
		}, []string{"source", "result"}),

		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Outputs per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence transaction",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retries_total",
			Help: "Persistence transaction retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_snapshot_duration_seconds",
			Help:    "Time to serialize and store a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "API request latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "API errors by code",
		}, []string{"method", "code"}),
	}
}
