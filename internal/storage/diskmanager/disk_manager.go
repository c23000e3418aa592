package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// StatFunc reports the total and available bytes of the filesystem holding
// dir.
type StatFunc func(dir string) (total, available uint64, err error)

// DiskManager watches the filesystem under the commit log and rejects
// writes once it fills up. Stats are cached for CheckInterval.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	isThrottled          bool
	isCircuitBroken      bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat defaults to statfs(2).
	Stat StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and runs a first check
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	dm.mu.Lock()
	if err := dm.checkLocked(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a *DiskSpaceError when a write of estimatedBytes
// must be rejected. While throttled, only writes under a tenth of the free
// space are admitted.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent),
			UsagePercent:    dm.cachedUsagePercent,
			AvailableBytes:  dm.cachedAvailableBytes,
			IsCircuitBroken: true,
		}
	}

	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return &DiskSpaceError{
			Code:           ErrCodeDiskThrottled,
			Message:        fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.cachedUsagePercent),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
			IsThrottled:    true,
		}
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
		}
	}

	return nil
}

func (dm *DiskManager) checkLocked() error {
	total, available, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("filesystem of %s reports zero size", dm.dataDir)
	}

	usagePercent := float64(total-available) / float64(total) * 100.0
	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available
	dm.lastCheck = time.Now()

	wasThrottled, wasBroken := dm.isThrottled, dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	fields := []zap.Field{
		zap.Float64("usage_percent", usagePercent),
		zap.Uint64("available_bytes", available),
	}
	switch {
	case dm.isCircuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED", fields...)
	case !dm.isCircuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED", fields...)
	case dm.isThrottled && !wasThrottled:
		dm.logger.Warn("Disk write throttling ENABLED", fields...)
	case !dm.isThrottled && wasThrottled:
		dm.logger.Info("Disk write throttling DISABLED", fields...)
	case usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken:
		dm.logger.Warn("Disk usage warning", fields...)
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// ErrorCode classifies disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeDiskThrottled
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}
