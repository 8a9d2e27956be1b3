package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync subsystem
type Metrics struct {
	// Sync pass metrics
	SyncPassesTotal  *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	ItemsPulledTotal *prometheus.CounterVec

	// Offline queue metrics
	QueueDepth        prometheus.Gauge
	QueueAppliedTotal *prometheus.CounterVec
	DeadLettersTotal  prometheus.Counter
	DrainDuration     prometheus.Histogram

	// Realtime metrics
	ConnectionUp           prometheus.Gauge
	ReconnectAttemptsTotal prometheus.Counter
	HeartbeatFailuresTotal prometheus.Counter

	// Cache metrics
	CacheSizeBytes         prometheus.Gauge
	CacheItems             *prometheus.GaugeVec
	CacheIntegrityRepairs  prometheus.Counter
	CacheReadFailuresTotal prometheus.Counter

	// Consistency and migration metrics
	Inconsistencies *prometheus.GaugeVec
	MigrationsTotal *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() per instance.
func NewMetrics(reg prometheus.Registerer, deviceID string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"device_id": deviceID}

	return &Metrics{
		SyncPassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "sync",
			Name:        "passes_total",
			Help:        "Total number of sync passes by trigger and outcome",
			ConstLabels: labels,
		}, []string{"trigger", "outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cupnote",
			Subsystem:   "sync",
			Name:        "pass_duration_seconds",
			Help:        "Histogram of sync pass durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ItemsPulledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "sync",
			Name:        "items_pulled_total",
			Help:        "Total number of remote rows pulled into the cache",
			ConstLabels: labels,
		}, []string{"category"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cupnote",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Number of pending offline mutations",
			ConstLabels: labels,
		}),
		QueueAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "queue",
			Name:        "applied_total",
			Help:        "Total number of queued mutations applied by operation and result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "queue",
			Name:        "dead_letters_total",
			Help:        "Total number of mutations dropped after exhausting retries",
			ConstLabels: labels,
		}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cupnote",
			Subsystem:   "queue",
			Name:        "drain_duration_seconds",
			Help:        "Histogram of drain pass durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cupnote",
			Subsystem:   "realtime",
			Name:        "connection_up",
			Help:        "1 when the realtime channel is open",
			ConstLabels: labels,
		}),
		ReconnectAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "realtime",
			Name:        "reconnect_attempts_total",
			Help:        "Total number of scheduled reconnect attempts",
			ConstLabels: labels,
		}),
		HeartbeatFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "realtime",
			Name:        "heartbeat_failures_total",
			Help:        "Total number of failed heartbeats",
			ConstLabels: labels,
		}),

		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cupnote",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Estimated size of the local cache in bytes",
			ConstLabels: labels,
		}),
		CacheItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cupnote",
			Subsystem:   "cache",
			Name:        "items",
			Help:        "Number of cached items by category",
			ConstLabels: labels,
		}, []string{"category"}),
		CacheIntegrityRepairs: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "cache",
			Name:        "integrity_repairs_total",
			Help:        "Total number of metadata repairs after an integrity check",
			ConstLabels: labels,
		}),
		CacheReadFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "cache",
			Name:        "read_failures_total",
			Help:        "Total number of cache reads that degraded to empty",
			ConstLabels: labels,
		}),

		Inconsistencies: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cupnote",
			Subsystem:   "consistency",
			Name:        "difference",
			Help:        "Absolute local/remote count difference from the last check",
			ConstLabels: labels,
		}, []string{"category"}),
		MigrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cupnote",
			Subsystem:   "migration",
			Name:        "runs_total",
			Help:        "Total number of migrations executed by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// RecordSyncPass records one sync pass
func (m *Metrics) RecordSyncPass(trigger, outcome string, duration float64) {
	m.SyncPassesTotal.WithLabelValues(trigger, outcome).Inc()
	m.SyncDuration.Observe(duration)
}

// RecordPulled records rows pulled for a category
func (m *Metrics) RecordPulled(category string, n int) {
	m.ItemsPulledTotal.WithLabelValues(category).Add(float64(n))
}

// RecordApplied records one queued mutation attempt
func (m *Metrics) RecordApplied(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QueueAppliedTotal.WithLabelValues(operation, result).Inc()
}

// UpdateQueueDepth sets the number of pending mutations
func (m *Metrics) UpdateQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetConnected sets the realtime connection gauge
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.ConnectionUp.Set(1)
		return
	}
	m.ConnectionUp.Set(0)
}

// UpdateCacheStats sets cache size and per-category counts
func (m *Metrics) UpdateCacheStats(sizeBytes int64, counts map[string]int) {
	m.CacheSizeBytes.Set(float64(sizeBytes))
	for category, n := range counts {
		m.CacheItems.WithLabelValues(category).Set(float64(n))
	}
}

// RecordMigration records one executed migration
func (m *Metrics) RecordMigration(success bool) {
	if success {
		m.MigrationsTotal.WithLabelValues("completed").Inc()
		return
	}
	m.MigrationsTotal.WithLabelValues("failed").Inc()
}
