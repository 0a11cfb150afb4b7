package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ClearLedger.
type Metrics struct {
	// --- Core processing ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	CoreSequence prometheus.Gauge

	// --- Latency ---
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Reference ids ---
	DedupDuplicates    *prometheus.CounterVec
	DedupLRUSize       *prometheus.GaugeVec
	DedupStoreDuration prometheus.Histogram
	DedupStoreErrors   prometheus.Counter

	// --- Ledger pools ---
	FundingPoolBalance   *prometheus.GaugeVec
	InsuranceFundBalance *prometheus.GaugeVec
	SocializedLossTotal  *prometheus.GaugeVec
	SeizureShortfall     *prometheus.CounterVec

	// --- Clearing ---
	NettingRuns        prometheus.Counter
	NettingDuration    prometheus.Histogram
	NettingGrossVolume prometheus.Counter
	NettingNetVolume   prometheus.Counter
	NettingPairs       prometheus.Counter
	WaterfallLayer     *prometheus.CounterVec
	DefaultFundBalance prometheus.Gauge
	PendingObligations prometheus.Gauge
	ManualResolutions  prometheus.Gauge

	// --- Ingestion ---
	IngestMessages    *prometheus.CounterVec
	OutboundPublished *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten *prometheus.CounterVec
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- API ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on to build several services in
// one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Core processing
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_core_ops_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_core_ops_rejected_total",
			Help: "Operations rejected (validation, authorization, state)",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_core_op_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "clear_core_sequence",
			Help: "Last output sequence emitted by core",
		}),

		// Latency
		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_apply_to_persist_seconds",
			Help:    "Core commit to durable write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_nats_pull_latency_seconds",
			Help:    "NATS fetch round-trip",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Reference ids
		DedupDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_dedup_duplicates_total",
			Help: "Replayed reference ids by scope and the tier that caught them",
		}, []string{"scope", "tier"}),

		DedupLRUSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_dedup_lru_size",
			Help: "Reference ids held in the hot tier per scope",
		}, []string{"scope"}),

		DedupStoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_dedup_store_duration_seconds",
			Help:    "Postgres reference-id lookup latency",
			Buckets: dbBuckets,
		}),

		DedupStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_dedup_store_errors_total",
			Help: "Reference-id lookups that failed",
		}),

		// Ledger pools
		FundingPoolBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_funding_pool_balance",
			Help: "Funding pool balance per venue",
		}, []string{"venue"}),

		InsuranceFundBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_insurance_fund_balance",
			Help: "Insurance fund balance per venue",
		}, []string{"venue"}),

		SocializedLossTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_socialized_loss",
			Help: "Cumulative socialized loss per venue",
		}, []string{"venue"}),

		SeizureShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_seizure_shortfall_total",
			Help: "Seizure shortfall by the layer that absorbed it",
		}, []string{"venue", "layer"}),

		// Clearing
		NettingRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_netting_runs_total",
			Help: "Netting rounds executed",
		}),

		NettingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_netting_duration_seconds",
			Help:    "Time to execute one netting round",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		NettingGrossVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_netting_gross_volume_total",
			Help: "Sum of obligation amounts netted",
		}),

		NettingNetVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_netting_net_volume_total",
			Help: "Sum of net pair amounts transferred",
		}),

		NettingPairs: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_netting_pairs_total",
			Help: "Party pairs settled by netting",
		}),

		WaterfallLayer: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_waterfall_amount_total",
			Help: "Transfer amounts by funding layer (direct, guarantee, default_fund, unfunded)",
		}, []string{"layer"}),

		DefaultFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "clear_default_fund_balance",
			Help: "Default fund balance",
		}),

		PendingObligations: f.NewGauge(prometheus.GaugeOpts{
			Name: "clear_pending_obligations",
			Help: "Obligations waiting for the next netting round",
		}),

		ManualResolutions: f.NewGauge(prometheus.GaugeOpts{
			Name: "clear_manual_resolutions_open",
			Help: "Open manual-resolution entries",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_ingest_messages_total",
			Help: "NATS command messages by outcome",
		}, []string{"op", "status"}),

		OutboundPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_outbound_published_total",
			Help: "Audit records published to clear.audit by result",
		}, []string{"result"}),

		// Persistence
		PersistRecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_persist_records_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"operation"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_persist_last_sequence",
			Help: "Last audit sequence persisted per source",
		}, []string{"source"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "clear_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_api_errors_total",
			Help: "API errors",
		}, []string{"endpoint", "code"}),

		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "clear_api_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}),
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
