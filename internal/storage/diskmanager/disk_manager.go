package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// StatFunc reports total and available bytes of the filesystem holding dir
type StatFunc func(dir string) (total, available uint64, err error)

// DiskManager monitors free space under the cache directory and refuses blob
// writes that would push the filesystem past its thresholds
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	statFn               StatFunc
	mu                   sync.Mutex
	lastCheck            time.Time
	checkInterval        time.Duration
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	cachedTotalBytes     uint64

	warningThreshold        float64 // percent used that logs a warning
	circuitBreakerThreshold float64 // percent used that rejects all writes
	minFreeBytes            uint64  // headroom every write must leave

	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
	MinFreeBytes            uint64
	StatFunc                StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        85.0,
		CircuitBreakerThreshold: 97.0,
		MinFreeBytes:            64 << 20,
	}
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	statFn := cfg.StatFunc
	if statFn == nil {
		statFn = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		statFn:                  statFn,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		minFreeBytes:            cfg.MinFreeBytes,
	}

	dm.mu.Lock()
	if err := dm.checkDiskSpace(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

// CheckBeforeWrite checks if a write of the given size can proceed
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, writes disabled", dm.cachedUsagePercent),
			UsagePercent:    dm.cachedUsagePercent,
			AvailableBytes:  dm.cachedAvailableBytes,
			IsCircuitBroken: true,
		}
	}

	if estimatedBytes+dm.minFreeBytes > dm.cachedAvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes plus %d headroom, have %d bytes", estimatedBytes, dm.minFreeBytes, dm.cachedAvailableBytes),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
		}
	}

	// Account for the write until the next refresh
	dm.cachedAvailableBytes -= estimatedBytes
	return nil
}

// checkDiskSpace refreshes usage figures. Must be called with mu held.
func (dm *DiskManager) checkDiskSpace() error {
	total, available, err := dm.statFn(dm.dataDir)
	if err != nil {
		return err
	}
	dm.lastCheck = time.Now()
	dm.cachedTotalBytes = total

	if total == 0 {
		dm.cachedUsagePercent = 0
		dm.cachedAvailableBytes = available
		return nil
	}

	usagePercent := float64(total-available) / float64(total) * 100.0
	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available

	previouslyBroken := dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	} else if usagePercent >= dm.warningThreshold && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		TotalBytes:      dm.cachedTotalBytes,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	return total, available, nil
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	TotalBytes      uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}

// Error codes for disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}
