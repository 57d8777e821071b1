package model

import "time"

// StorageStatistics is a point-in-time view over all cached records
type StorageStatistics struct {
	TotalBytes    int64   `json:"total_bytes"`
	OriginalBytes int64   `json:"original_bytes"`
	MaxBytes      int64   `json:"max_bytes"`
	UsagePercent  float64 `json:"usage_percent"`
	TotalModels   int     `json:"total_models"`
	MaxModels     int     `json:"max_models"`
	PinnedModels  int     `json:"pinned_models"`
}

// ManagerStatistics aggregates storage, network and load statistics
type ManagerStatistics struct {
	StorageUsagePercent  float64       `json:"storage_usage_percent"`
	NetworkHealthPercent float64       `json:"network_health_percent"`
	NetworkLatency       time.Duration `json:"network_latency"`
	ErrorRatePercent     float64       `json:"error_rate_percent"`
	CacheHitRatePercent  float64       `json:"cache_hit_rate_percent"`
	AverageLoadTime      time.Duration `json:"average_load_time"`
	TotalLoads           int64         `json:"total_loads"`
	FailedLoads          int64         `json:"failed_loads"`
	RejectedLoads        int64         `json:"rejected_loads"`
	CacheHits            int64         `json:"cache_hits"`
	CacheMisses          int64         `json:"cache_misses"`
	DeltaLoads           int64         `json:"delta_loads"`
	NetworkLoads         int64         `json:"network_loads"`
	TotalModels          int           `json:"total_models"`
	PinnedModels         int           `json:"pinned_models"`
	ActiveLoads          int           `json:"active_loads"`
	HotCacheBytes        int64         `json:"hot_cache_bytes"`
	HotCacheModels       int           `json:"hot_cache_models"`
}
