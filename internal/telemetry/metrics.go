// Package telemetry exposes indexing metrics in the Prometheus text format
// and keeps a short in-memory history of recent batches per index.
// Nothing is reported externally; the server serves the metrics over HTTP.
package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// =============================================================================
// Metric Names
// =============================================================================

const (
	metricBatches        = "amandb_index_batches_total"
	metricBatchErrors    = "amandb_index_batch_errors_total"
	metricItemsMapped    = "amandb_index_items_mapped_total"
	metricMapFailures    = "amandb_index_map_failures_total"
	metricReduceFailures = "amandb_index_reduce_failures_total"
	metricTombstones     = "amandb_index_tombstones_total"
	metricRemapped       = "amandb_index_referenced_remaps_total"
	metricPulses         = "amandb_index_pulses_total"
	metricCommitDuration = "amandb_index_commit_duration_seconds"
	metricBatchDuration  = "amandb_index_batch_duration_seconds"
	metricLag            = "amandb_index_lag_etags"
)

// =============================================================================
// Registry
// =============================================================================

// Registry owns the metric set of one engine.
type Registry struct {
	set *metrics.Set

	mu      sync.Mutex
	indexes map[string]*IndexMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		set:     metrics.NewSet(),
		indexes: make(map[string]*IndexMetrics),
	}
}

// Index returns the metrics of an index, creating them on first use.
// lag is sampled on every scrape; it may be nil.
func (r *Registry) Index(name string, lag func() float64) *IndexMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.indexes[name]; ok {
		return m
	}
	label := func(metric string) string {
		return fmt.Sprintf(`%s{index=%q}`, metric, name)
	}
	m := &IndexMetrics{
		batches:        r.set.GetOrCreateCounter(label(metricBatches)),
		batchErrors:    r.set.GetOrCreateCounter(label(metricBatchErrors)),
		itemsMapped:    r.set.GetOrCreateCounter(label(metricItemsMapped)),
		mapFailures:    r.set.GetOrCreateCounter(label(metricMapFailures)),
		reduceFailures: r.set.GetOrCreateCounter(label(metricReduceFailures)),
		tombstones:     r.set.GetOrCreateCounter(label(metricTombstones)),
		remapped:       r.set.GetOrCreateCounter(label(metricRemapped)),
		pulses:         r.set.GetOrCreateCounter(label(metricPulses)),
		commitDuration: r.set.GetOrCreateHistogram(label(metricCommitDuration)),
		batchDuration:  r.set.GetOrCreateHistogram(label(metricBatchDuration)),
		History:        NewHistory[BatchRecord](DefaultHistorySize),
	}
	if lag != nil {
		r.set.GetOrCreateGauge(label(metricLag), lag)
	}
	r.indexes[name] = m
	return m
}

// Unregister drops the metrics of a removed index.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[name]; !ok {
		return
	}
	delete(r.indexes, name)
	for _, metric := range []string{
		metricBatches, metricBatchErrors, metricItemsMapped, metricMapFailures,
		metricReduceFailures, metricTombstones, metricRemapped, metricPulses,
		metricCommitDuration, metricBatchDuration, metricLag,
	} {
		r.set.UnregisterMetric(fmt.Sprintf(`%s{index=%q}`, metric, name))
	}
}

// WritePrometheus writes every metric in the Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}

// =============================================================================
// Per-index Metrics
// =============================================================================

// IndexMetrics are the counters of one index. A nil *IndexMetrics is a
// valid no-op recorder.
type IndexMetrics struct {
	batches        *metrics.Counter
	batchErrors    *metrics.Counter
	itemsMapped    *metrics.Counter
	mapFailures    *metrics.Counter
	reduceFailures *metrics.Counter
	tombstones     *metrics.Counter
	remapped       *metrics.Counter
	pulses         *metrics.Counter
	commitDuration *metrics.Histogram
	batchDuration  *metrics.Histogram

	// History holds the most recent batches.
	History *History[BatchRecord]
}

// BatchRecord summarizes one finished batch.
type BatchRecord struct {
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Items          int           `json:"items"`
	Mapped         int           `json:"mapped"`
	MapFailures    int           `json:"map_failures"`
	ReduceFailures int           `json:"reduce_failures"`
	Tombstones     int           `json:"tombstones"`
	Remapped       int           `json:"remapped"`
	Pulses         int           `json:"pulses"`
	Commits        int           `json:"commits"`
	Yielded        bool          `json:"yielded"`
	Error          string        `json:"error,omitempty"`
}

// RecordBatch accounts for a finished batch.
func (m *IndexMetrics) RecordBatch(rec BatchRecord) {
	if m == nil {
		return
	}
	m.batches.Inc()
	if rec.Error != "" {
		m.batchErrors.Inc()
	}
	m.itemsMapped.Add(rec.Mapped)
	m.mapFailures.Add(rec.MapFailures)
	m.reduceFailures.Add(rec.ReduceFailures)
	m.tombstones.Add(rec.Tombstones)
	m.remapped.Add(rec.Remapped)
	m.pulses.Add(rec.Pulses)
	m.batchDuration.Update(rec.Duration.Seconds())
	m.History.Add(rec)
}

// RecordCommit accounts for one pulse commit that started at start.
func (m *IndexMetrics) RecordCommit(start time.Time) {
	if m == nil {
		return
	}
	m.commitDuration.UpdateDuration(start)
}
