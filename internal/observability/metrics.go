package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SettleCore.
type Metrics struct {
	// --- Core Processing ---
	CoreRequestsApplied  *prometheus.CounterVec
	CoreRequestsRejected *prometheus.CounterVec
	CoreRequestDuration  *prometheus.HistogramVec
	CoreEntries          *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Settlement ---
	IntentsLocked      prometheus.Counter
	IntentsSettled     prometheus.Counter
	IntentsCancelled   prometheus.Counter
	FeeAccrued         *prometheus.CounterVec
	FeeClaims          *prometheus.CounterVec
	VolumeCapRejects   *prometheus.CounterVec
	ComplianceDenied   *prometheus.CounterVec
	NonceReplays       prometheus.Counter
	SolvencyBreaches   *prometheus.CounterVec
	AssetHalted        *prometheus.GaugeVec
	ExternalCallErrors *prometheus.CounterVec

	// --- Latency ---
	IngestToApply     *prometheus.HistogramVec
	ApplyToPersist    prometheus.Histogram
	QueryFreshnessLag *prometheus.HistogramVec
	NATSPullLatency   *prometheus.HistogramVec
	PersistBatchDur   prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	RequestSequenceGap    *prometheus.CounterVec
	RequestOutOfOrder     *prometheus.CounterVec

	// --- Persistence ---
	PersistRequestsWritten prometheus.Counter
	PersistEntriesWritten  prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayRequests    prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreRequestsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_requests_applied_total",
			Help: "Requests successfully applied by core",
		}, []string{"request_type"}),

		CoreRequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_requests_rejected_total",
			Help: "Requests rejected (dedup, gap, validation)",
		}, []string{"request_type", "reason"}),

		CoreRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_core_request_apply_duration_seconds",
			Help:    "Time to apply a single request in core",
			Buckets: latencyBuckets,
		}, []string{"request_type"}),

		CoreEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_entries_generated_total",
			Help: "Ledger entries generated",
		}, []string{"op"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_core_sequence",
			Help: "Current global sequence number",
		}),

		// Settlement
		IntentsLocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_intents_locked_total",
			Help: "Intents locked into escrow",
		}),

		IntentsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_intents_settled_total",
			Help: "Intents settled",
		}),

		IntentsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_intents_cancelled_total",
			Help: "Intents cancelled and refunded",
		}),

		FeeAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_fee_accrued_total",
			Help: "Fee units accrued to recipients",
		}, []string{"asset"}),

		FeeClaims: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_fee_claims_total",
			Help: "Fee claim attempts",
		}, []string{"asset", "outcome"}),

		VolumeCapRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_volume_cap_rejections_total",
			Help: "Settlements rejected by a volume cap",
		}, []string{"party"}),

		ComplianceDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_compliance_denied_total",
			Help: "Settlements denied by the compliance gate",
		}, []string{"asset"}),

		NonceReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_nonce_replays_total",
			Help: "Lock attempts with an already-consumed nonce",
		}),

		SolvencyBreaches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_solvency_breaches_total",
			Help: "Solvency invariant breaches (asset halted)",
		}, []string{"asset"}),

		AssetHalted: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_asset_halted",
			Help: "1 while the asset is halted",
		}, []string{"asset"}),

		ExternalCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_external_call_errors_total",
			Help: "Custody adapter failures",
		}, []string{"operation"}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"request_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"request_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		RequestSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_request_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		RequestOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_request_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistRequestsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_requests_written_total",
			Help: "Request records written to Postgres",
		}),

		PersistEntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_entries_written_total",
			Help: "Ledger entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_size",
			Help:    "Requests per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_replay_requests_total",
			Help: "Requests replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
