package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds all the metric instruments for the storage engine.
type EngineMetrics struct {
	OpsCounter             metric.Int64Counter
	OpErrorsCounter        metric.Int64Counter
	OpLatencyHistogram     metric.Float64Histogram
	ActiveTxnsUpDown       metric.Int64UpDownCounter
	TxnOutcomeCounter      metric.Int64Counter
	CheckpointCounter      metric.Int64Counter
	CheckpointPagesFlushed metric.Int64Counter
	VacuumVersionsCounter  metric.Int64Counter

	// Gauges sampled from component stats on every collection.
	BufferPoolDirtyGauge metric.Int64ObservableGauge
	BufferPoolHitsGauge  metric.Int64ObservableGauge
	WALRetainedGauge     metric.Int64ObservableGauge
	WALFlushedLSNGauge   metric.Int64ObservableGauge
}

// NewEngineMetrics creates and registers all the metrics for the storage engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	if m.OpsCounter, err = meter.Int64Counter(
		"gojostore.engine.ops_total",
		metric.WithDescription("Total number of engine API calls."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.OpErrorsCounter, err = meter.Int64Counter(
		"gojostore.engine.op_errors_total",
		metric.WithDescription("Engine API calls that returned an error."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.OpLatencyHistogram, err = meter.Float64Histogram(
		"gojostore.engine.op_duration",
		metric.WithDescription("The latency of engine API calls."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.ActiveTxnsUpDown, err = meter.Int64UpDownCounter(
		"gojostore.txn.active",
		metric.WithDescription("Number of running transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TxnOutcomeCounter, err = meter.Int64Counter(
		"gojostore.txn.finished_total",
		metric.WithDescription("Finished transactions by outcome."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointCounter, err = meter.Int64Counter(
		"gojostore.checkpoint.completed_total",
		metric.WithDescription("Total number of completed checkpoints."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointPagesFlushed, err = meter.Int64Counter(
		"gojostore.checkpoint.pages_flushed_total",
		metric.WithDescription("Pages written by checkpoints."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.VacuumVersionsCounter, err = meter.Int64Counter(
		"gojostore.vacuum.versions_removed_total",
		metric.WithDescription("Tuple versions and index entries reclaimed by vacuum."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.BufferPoolDirtyGauge, err = meter.Int64ObservableGauge(
		"gojostore.bufferpool.dirty_pages",
		metric.WithDescription("Dirty resident pages."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.BufferPoolHitsGauge, err = meter.Int64ObservableGauge(
		"gojostore.bufferpool.hits",
		metric.WithDescription("Page fetches served from memory."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.WALRetainedGauge, err = meter.Int64ObservableGauge(
		"gojostore.wal.retained_bytes",
		metric.WithDescription("Log bytes kept for recovery."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.WALFlushedLSNGauge, err = meter.Int64ObservableGauge(
		"gojostore.wal.flushed_lsn",
		metric.WithDescription("Durable end of the log."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
