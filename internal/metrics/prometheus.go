package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "modelcache"
)

// Metrics holds all Prometheus metrics for the model cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Load pipeline metrics
	LoadsTotal          *prometheus.CounterVec
	LoadFailuresTotal   *prometheus.CounterVec
	LoadRejectionsTotal *prometheus.CounterVec
	LoadDuration        *prometheus.HistogramVec
	InflightLoads       prometheus.Gauge
	BytesDownloaded     *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal           prometheus.Counter
	CacheMissesTotal         prometheus.Counter
	StorageEvictionsTotal    prometheus.Counter
	HotCacheEvictionsTotal   prometheus.Counter
	StorageBytes             prometheus.Gauge
	StorageModels            prometheus.Gauge
	StoragePinnedModels      prometheus.Gauge
	HotCacheBytes            prometheus.Gauge
	NetworkHealthScore       prometheus.Gauge
	StatusEventsDroppedTotal prometheus.Counter

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutineCount     prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		LoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "loads_total",
			Help:        "Total number of successful loads by source",
			ConstLabels: labels,
		}, []string{"source"}),
		LoadFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "load_failures_total",
			Help:        "Total number of failed loads by pipeline stage and error code",
			ConstLabels: labels,
		}, []string{"stage", "code"}),
		LoadRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "load_rejections_total",
			Help:        "Total number of loads rejected before starting",
			ConstLabels: labels,
		}, []string{"reason"}),
		LoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "load_duration_seconds",
			Help:        "Duration of successful loads by source",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}, []string{"source"}),
		InflightLoads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "inflight_loads",
			Help:        "Number of loads currently holding a concurrency slot",
			ConstLabels: labels,
		}),
		BytesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_downloaded_total",
			Help:        "Bytes fetched from the network by kind (full, patch)",
			ConstLabels: labels,
		}, []string{"kind"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Total number of loads served from storage or hot cache",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Total number of loads that missed the cache",
			ConstLabels: labels,
		}),
		StorageEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "storage_evictions_total",
			Help:        "Total number of models evicted from durable storage",
			ConstLabels: labels,
		}),
		HotCacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "hot_cache_evictions_total",
			Help:        "Total number of buffers evicted from the in-memory hot cache",
			ConstLabels: labels,
		}),
		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_bytes",
			Help:        "Compressed bytes held in durable storage",
			ConstLabels: labels,
		}),
		StorageModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_models",
			Help:        "Number of models held in durable storage",
			ConstLabels: labels,
		}),
		StoragePinnedModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_pinned_models",
			Help:        "Number of pinned models in durable storage",
			ConstLabels: labels,
		}),
		HotCacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "hot_cache_bytes",
			Help:        "Bytes held in the in-memory hot cache",
			ConstLabels: labels,
		}),
		NetworkHealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "network_health_score",
			Help:        "Last observed network health score in [0,1]",
			ConstLabels: labels,
		}),
		StatusEventsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "status_events_dropped_total",
			Help:        "Status events dropped because a subscriber was not keeping up",
			ConstLabels: labels,
		}),
		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "disk_usage_bytes",
			Help:        "Used bytes on the filesystem holding the data directory",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the filesystem holding the data directory",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated by the process",
			ConstLabels: labels,
		}),
		GoroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "goroutines",
			Help:        "Number of running goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordLoad records a successful load
func (m *Metrics) RecordLoad(source string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(source).Inc()
	m.LoadDuration.WithLabelValues(source).Observe(seconds)
}

// RecordLoadFailure records a failed load
func (m *Metrics) RecordLoadFailure(stage, code string) {
	if m == nil {
		return
	}
	m.LoadFailuresTotal.WithLabelValues(stage, code).Inc()
}

// RecordRejection records a load rejected by dedup or backpressure
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.LoadRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheHit increments the cache hit counter
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordStorageEviction increments the storage eviction counter
func (m *Metrics) RecordStorageEviction() {
	if m == nil {
		return
	}
	m.StorageEvictionsTotal.Inc()
}

// RecordHotCacheEviction increments the hot cache eviction counter
func (m *Metrics) RecordHotCacheEviction() {
	if m == nil {
		return
	}
	m.HotCacheEvictionsTotal.Inc()
}

// RecordDownload adds downloaded bytes of the given kind
func (m *Metrics) RecordDownload(kind string, bytes int) {
	if m == nil {
		return
	}
	m.BytesDownloaded.WithLabelValues(kind).Add(float64(bytes))
}

// RecordDroppedEvent increments the dropped status event counter
func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.StatusEventsDroppedTotal.Inc()
}

// UpdateStorageStats updates storage gauges
func (m *Metrics) UpdateStorageStats(bytes int64, models, pinned int) {
	if m == nil {
		return
	}
	m.StorageBytes.Set(float64(bytes))
	m.StorageModels.Set(float64(models))
	m.StoragePinnedModels.Set(float64(pinned))
}

// UpdateHotCacheSize updates the hot cache gauge
func (m *Metrics) UpdateHotCacheSize(bytes int64) {
	if m == nil {
		return
	}
	m.HotCacheBytes.Set(float64(bytes))
}

// SetInflight sets the in-flight loads gauge
func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.InflightLoads.Set(float64(n))
}

// SetNetworkHealth sets the network health gauge
func (m *Metrics) SetNetworkHealth(score float64) {
	if m == nil {
		return
	}
	m.NetworkHealthScore.Set(score)
}

// UpdateSystemStats updates system-level gauges
func (m *Metrics) UpdateSystemStats(diskUsed, diskAvailable, memAlloc int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsed))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memAlloc))
	m.GoroutineCount.Set(float64(goroutines))
}
