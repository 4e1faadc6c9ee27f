package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DepegLedger.
// A nil *Metrics is valid everywhere and records nothing.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Insurance ---
	PoliciesCreated     prometheus.Counter
	PoliciesRepaid      prometheus.Counter
	PremiumCollected    prometheus.Counter
	RepaymentPaid       prometheus.Counter
	PoolBalance         prometheus.Gauge
	TreasuryBalance     prometheus.Gauge
	CommingledFeeSweeps prometheus.Counter

	// --- Oracle ---
	OracleLatency *prometheus.HistogramVec
	OracleErrors  *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Ingestion & publishing ---
	IngestMessages *prometheus.CounterVec
	PublishErrors  prometheus.Counter

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ioBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, funds)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "depeg_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core, including the oracle read",
			Buckets: ioBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_core_sequence",
			Help: "Current global sequence number",
		}),

		PoliciesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_policies_created_total",
			Help: "Policies created",
		}),

		PoliciesRepaid: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_policies_repaid_total",
			Help: "Policies settled by repayment",
		}),

		PremiumCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_premium_collected_base_units_total",
			Help: "Premium charged, in treasury-asset base units (float approximation)",
		}),

		RepaymentPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_repayment_paid_base_units_total",
			Help: "Repayments paid, in insured-asset base units (float approximation)",
		}),

		PoolBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_pool_balance_base_units",
			Help: "Contract balance of the insured asset",
		}),

		TreasuryBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_treasury_balance_base_units",
			Help: "Contract balance of the treasury asset",
		}),

		CommingledFeeSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_commingled_fee_sweeps_total",
			Help: "Fee collections that also swept pool liquidity (insured == treasury asset)",
		}),

		OracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "depeg_oracle_latency_seconds",
			Help:    "Oracle price read latency",
			Buckets: ioBuckets,
		}, []string{"feed"}),

		OracleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_oracle_errors_total",
			Help: "Oracle read failures",
		}, []string{"feed", "reason"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depeg_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depeg_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_persist_events_written_total",
			Help: "Commands written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "depeg_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "depeg_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_projection_sequence",
			Help: "Last sequence applied to projections",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "depeg_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "depeg_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_ingest_messages_total",
			Help: "NATS command messages by outcome",
		}, []string{"command_type", "outcome"}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "depeg_publish_errors_total",
			Help: "Outbound notifications that failed after retries",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "depeg_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "depeg_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: latencyBuckets,
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
