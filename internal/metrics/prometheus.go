package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamstate"

// Metrics holds all Prometheus metrics for the state layer
type Metrics struct {
	// Epoch metrics
	EpochsGeneratedTotal prometheus.Counter
	CurrentEpoch         prometheus.Gauge

	// Checkpoint metrics
	CheckpointsTotal        *prometheus.CounterVec
	CheckpointDuration      prometheus.Histogram
	AggStatesFlushedTotal   prometheus.Counter
	MViewCellsFlushedTotal  prometheus.Counter
	MViewRowsFlushedTotal   prometheus.Counter
	CheckpointBatchWrites   prometheus.Histogram
	LastCommittedEpoch      prometheus.Gauge

	// State store metrics
	StoreOpsTotal       *prometheus.CounterVec
	StoreOpDuration     *prometheus.HistogramVec
	IngestBatchBytes    prometheus.Histogram
	StoreKeysTotal      prometheus.Gauge
	StoreSizeBytes      prometheus.Gauge

	// Pinned snapshot metrics
	PinnedSnapshotsTotal prometheus.Gauge
	MinPinnedEpoch       prometheus.Gauge
	PinOpsTotal          *prometheus.CounterVec

	// Exchange metrics
	ExchangeChunksTotal   *prometheus.CounterVec
	ExchangeConnectErrors prometheus.Counter

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		EpochsGeneratedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "epoch",
			Name:        "generated_total",
			Help:        "Total number of epochs issued by the generator",
			ConstLabels: labels,
		}),
		CurrentEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "epoch",
			Name:        "current",
			Help:        "Most recently issued epoch",
			ConstLabels: labels,
		}),

		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "total",
			Help:        "Total number of checkpoints by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		CheckpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "duration_seconds",
			Help:        "Histogram of checkpoint durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		AggStatesFlushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "agg_states_flushed_total",
			Help:        "Total number of dirty aggregation states flushed",
			ConstLabels: labels,
		}),
		MViewCellsFlushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "mview_cells_flushed_total",
			Help:        "Total number of materialized view cells written or deleted",
			ConstLabels: labels,
		}),
		MViewRowsFlushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "mview_rows_flushed_total",
			Help:        "Total number of materialized view rows drained from memtables",
			ConstLabels: labels,
		}),
		CheckpointBatchWrites: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "batch_writes",
			Help:        "Histogram of aggregation batch sizes per checkpoint",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
		}),
		LastCommittedEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "last_committed_epoch",
			Help:        "Epoch of the last successful checkpoint",
			ConstLabels: labels,
		}),

		StoreOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "ops_total",
			Help:        "Total number of state store operations by op and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		StoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "op_duration_seconds",
			Help:        "Histogram of state store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		IngestBatchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "ingest_batch_bytes",
			Help:        "Histogram of ingested batch sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 14), // 256B to 2MB
		}),
		StoreKeysTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "keys_total",
			Help:        "Current number of keys held by the in-memory state store",
			ConstLabels: labels,
		}),
		StoreSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "size_bytes",
			Help:        "Approximate size of the in-memory state store",
			ConstLabels: labels,
		}),

		PinnedSnapshotsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "snapshot",
			Name:        "pinned_total",
			Help:        "Current number of pinned snapshot entries across contexts",
			ConstLabels: labels,
		}),
		MinPinnedEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "snapshot",
			Name:        "min_pinned_epoch",
			Help:        "Oldest epoch still pinned by any context",
			ConstLabels: labels,
		}),
		PinOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "snapshot",
			Name:        "ops_total",
			Help:        "Total number of pin/unpin operations",
			ConstLabels: labels,
		}, []string{"op"}),

		ExchangeChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "exchange",
			Name:        "chunks_total",
			Help:        "Total number of data chunks moved through exchange sources",
			ConstLabels: labels,
		}, []string{"source"}),
		ExchangeConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "exchange",
			Name:        "connect_errors_total",
			Help:        "Total number of failed exchange channel establishments",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics returns metrics registered on a private registry, for tests
// and for components constructed without a metrics sink.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}

// RecordEpoch records an issued epoch
func (m *Metrics) RecordEpoch(epoch uint64) {
	m.EpochsGeneratedTotal.Inc()
	m.CurrentEpoch.Set(float64(epoch))
}

// RecordCheckpoint records a checkpoint outcome
func (m *Metrics) RecordCheckpoint(duration float64, epoch uint64, err error) {
	m.CheckpointDuration.Observe(duration)
	if err != nil {
		m.CheckpointsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.CheckpointsTotal.WithLabelValues("success").Inc()
	m.LastCommittedEpoch.Set(float64(epoch))
}

// RecordAggFlush records aggregation states flushed into one batch
func (m *Metrics) RecordAggFlush(states int) {
	m.AggStatesFlushedTotal.Add(float64(states))
	m.CheckpointBatchWrites.Observe(float64(states))
}

// RecordMViewFlush records one materialized view flush
func (m *Metrics) RecordMViewFlush(rows, cells int) {
	m.MViewRowsFlushedTotal.Add(float64(rows))
	m.MViewCellsFlushedTotal.Add(float64(cells))
}

// RecordStoreOp records a state store call
func (m *Metrics) RecordStoreOp(op string, duration float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOpsTotal.WithLabelValues(op, status).Inc()
	m.StoreOpDuration.WithLabelValues(op).Observe(duration)
}

// UpdateStoreStats updates in-memory store size gauges
func (m *Metrics) UpdateStoreStats(keys int, sizeBytes int64) {
	m.StoreKeysTotal.Set(float64(keys))
	m.StoreSizeBytes.Set(float64(sizeBytes))
}

// UpdatePinnedStats updates pinned snapshot gauges
func (m *Metrics) UpdatePinnedStats(pinned int, minEpoch uint64) {
	m.PinnedSnapshotsTotal.Set(float64(pinned))
	m.MinPinnedEpoch.Set(float64(minEpoch))
}

// RecordPinOp records a pin or unpin call
func (m *Metrics) RecordPinOp(op string) {
	m.PinOpsTotal.WithLabelValues(op).Inc()
}

// RecordExchangeChunk records a chunk taken from an exchange source
func (m *Metrics) RecordExchangeChunk(source string) {
	m.ExchangeChunksTotal.WithLabelValues(source).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
