package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/diskmanager"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// StatsSource supplies cache and load figures
type StatsSource interface {
	GetManagerStatistics() model.ManagerStatistics
}

// DiskSource supplies filesystem figures
type DiskSource interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// StatusListener is told about every status change
type StatusListener func(status model.NodeStatus, ready bool)

// HealthChecker performs health checks for the model cache node.
// Warnings degrade the node; a critical check makes it unready.
type HealthChecker struct {
	config   *HealthCheckConfig
	stats    StatsSource
	disk     DiskSource
	logger   *zap.Logger
	listener StatusListener

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration

	StorageWarningPercent float64 // storage usage that degrades the node
	DiskWarningPercent    float64
	NetworkWarningScore   float64 // health score below which the network is degraded
	ErrorRateWarning      float64 // percent of failed loads
}

// NewHealthChecker creates a new health checker. disk may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, stats StatsSource, disk DiskSource, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StorageWarningPercent <= 0 {
		cfg.StorageWarningPercent = 100
	}
	if cfg.DiskWarningPercent <= 0 {
		cfg.DiskWarningPercent = 90
	}
	if cfg.NetworkWarningScore <= 0 {
		cfg.NetworkWarningScore = 0.3
	}
	if cfg.ErrorRateWarning <= 0 {
		cfg.ErrorRateWarning = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		config:      cfg,
		stats:       stats,
		disk:        disk,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// SetStatusListener registers fn to be called when the status changes
func (h *HealthChecker) SetStatusListener(fn StatusListener) {
	h.mu.Lock()
	h.listener = fn
	h.mu.Unlock()
}

// Start runs checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check and updates the node status
func (h *HealthChecker) RunChecks() model.NodeStatus {
	stats := h.stats.GetManagerStatistics()

	results := []CheckResult{
		h.checkDataDirWritable(),
		h.checkStorageUsage(stats),
		h.checkDiskSpace(),
		h.checkNetwork(stats),
		h.checkErrorRate(stats),
	}

	allHealthy, allReady := true, true
	for _, r := range results {
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	status := model.NodeStatusHealthy
	switch {
	case !allReady:
		status = model.NodeStatusUnhealthy
	case !allHealthy:
		status = model.NodeStatusDegraded
	}

	h.mu.Lock()
	previous, wasReady := h.status, h.readinessOK
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.status = status
	h.readinessOK = allReady && !h.draining
	h.metrics = model.HealthMetrics{
		StorageUsage:  stats.StorageUsagePercent,
		NetworkHealth: stats.NetworkHealthPercent,
		ErrorRate:     stats.ErrorRatePercent,
		CacheHitRate:  stats.CacheHitRatePercent,
	}
	if h.disk != nil {
		h.metrics.DiskUsage = h.disk.GetDiskUsage().UsagePercent
	}
	ready := h.readinessOK
	listener := h.listener
	h.mu.Unlock()

	if status != previous || ready != wasReady {
		h.logger.Info("Node health changed",
			zap.String("status", string(status)),
			zap.Bool("ready", ready))
		if listener != nil {
			listener(status, ready)
		}
	}
	return status
}

func (h *HealthChecker) checkDataDirWritable() CheckResult {
	const name = "data_dir_writable"

	info, err := os.Stat(h.config.DataDir)
	if err != nil {
		return result(name, StatusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result(name, StatusCritical, "Data path is not a directory")
	}

	f, err := os.CreateTemp(h.config.DataDir, ".health_check_*")
	if err != nil {
		return result(name, StatusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(f.Name())

	return result(name, StatusHealthy, "Data directory is writable")
}

func (h *HealthChecker) checkStorageUsage(stats model.ManagerStatistics) CheckResult {
	const name = "storage_usage"
	if stats.StorageUsagePercent >= h.config.StorageWarningPercent {
		return result(name, StatusWarning, fmt.Sprintf("Cache quota nearly exhausted: %.2f%% (%d pinned)",
			stats.StorageUsagePercent, stats.PinnedModels))
	}
	return result(name, StatusHealthy, fmt.Sprintf("Cache usage: %.2f%%, %d models", stats.StorageUsagePercent, stats.TotalModels))
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	const name = "disk_space"
	if h.disk == nil {
		return result(name, StatusHealthy, "Disk monitoring disabled")
	}

	usage := h.disk.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		return result(name, StatusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent))
	case usage.UsagePercent >= h.config.DiskWarningPercent:
		return result(name, StatusWarning, fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent))
	}
	return result(name, StatusHealthy, fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
		usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024))
}

// checkNetwork never goes critical: cached models stay servable offline
func (h *HealthChecker) checkNetwork(stats model.ManagerStatistics) CheckResult {
	const name = "network"
	score := stats.NetworkHealthPercent / 100.0
	if score < h.config.NetworkWarningScore {
		return result(name, StatusWarning, fmt.Sprintf("Network degraded: score %.2f, latency %s", score, stats.NetworkLatency))
	}
	return result(name, StatusHealthy, fmt.Sprintf("Network score %.2f, latency %s", score, stats.NetworkLatency))
}

func (h *HealthChecker) checkErrorRate(stats model.ManagerStatistics) CheckResult {
	const name = "load_error_rate"
	if stats.TotalLoads > 0 && stats.ErrorRatePercent >= h.config.ErrorRateWarning {
		return result(name, StatusWarning, fmt.Sprintf("Load error rate high: %.2f%% of %d", stats.ErrorRatePercent, stats.TotalLoads))
	}
	return result(name, StatusHealthy, fmt.Sprintf("Load error rate: %.2f%%", stats.ErrorRatePercent))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.config.NodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// Drain marks the node unready for graceful shutdown
func (h *HealthChecker) Drain() {
	h.mu.Lock()
	h.draining = true
	h.readinessOK = false
	listener := h.listener
	status := h.status
	h.mu.Unlock()

	if listener != nil {
		listener(status, false)
	}
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
		"metrics": status.Metrics,
		"checks":  checks,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
