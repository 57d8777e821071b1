package model

// HealthStatus represents the health state of the model cache node
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures the health checks are based on
type HealthMetrics struct {
	StorageUsage  float64 `json:"storage_usage"`
	DiskUsage     float64 `json:"disk_usage"`
	NetworkHealth float64 `json:"network_health"`
	ErrorRate     float64 `json:"error_rate"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}
