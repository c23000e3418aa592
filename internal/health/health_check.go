package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status is the overall node status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check probes one dependency. A failing critical check makes the node
// unready; a failing non-critical one only degrades it.
type Check struct {
	Name     string
	Critical bool
	Fn       func(ctx context.Context) error
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Healthy   bool
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
	Timeout  time.Duration
	// Services are reported to the gRPC health server along with the
	// overall "" service.
	Services []string
}

// HealthChecker runs periodic checks and mirrors the outcome into a gRPC
// health server.
type HealthChecker struct {
	config *HealthCheckConfig
	grpc   *grpchealth.Server
	logger *zap.Logger
	checks []Check

	mu        sync.RWMutex
	lastCheck time.Time
	status    Status
	results   map[string]CheckResult
	ready     bool
}

// NewHealthChecker creates a health checker reporting to srv, which may be
// nil.
func NewHealthChecker(cfg *HealthCheckConfig, srv *grpchealth.Server, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	h := &HealthChecker{
		config:  cfg,
		grpc:    srv,
		logger:  logger,
		results: make(map[string]CheckResult),
		status:  StatusHealthy,
		ready:   true,
	}
	if cfg.DataDir != "" {
		h.AddCheck(Check{Name: "data_dir_writable", Critical: true, Fn: h.checkDataDirWritable})
	}
	return h
}

// AddCheck registers a check. Must be called before Start.
func (h *HealthChecker) AddCheck(c Check) {
	h.checks = append(h.checks, c)
}

// Start runs checks every interval until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and publishes the outcome.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := make(map[string]CheckResult, len(h.checks))
	healthy, ready := true, true

	for _, c := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
		err := c.Fn(checkCtx)
		cancel()

		result := CheckResult{Name: c.Name, Healthy: err == nil, Timestamp: time.Now()}
		if err != nil {
			result.Message = err.Error()
			healthy = false
			if c.Critical {
				ready = false
			}
			h.logger.Warn("Health check failed",
				zap.String("check", c.Name),
				zap.Bool("critical", c.Critical),
				zap.Error(err))
		}
		results[c.Name] = result
	}

	status := StatusHealthy
	switch {
	case !ready:
		status = StatusUnhealthy
	case !healthy:
		status = StatusDegraded
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.results = results
	h.status = status
	h.ready = ready
	h.mu.Unlock()

	h.publish(ready)

	h.logger.Debug("Health check completed",
		zap.String("node_id", h.config.NodeID),
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func (h *HealthChecker) publish(ready bool) {
	if h.grpc == nil {
		return
	}
	serving := healthpb.HealthCheckResponse_SERVING
	if !ready {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpc.SetServingStatus("", serving)
	for _, svc := range h.config.Services {
		h.grpc.SetServingStatus(svc, serving)
	}
}

func (h *HealthChecker) checkDataDirWritable(context.Context) error {
	info, err := os.Stat(h.config.DataDir)
	if err != nil {
		return fmt.Errorf("data directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", h.config.DataDir)
	}

	probe := filepath.Join(h.config.DataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("cannot write to data directory: %w", err)
	}
	f.Close()
	return os.Remove(probe)
}

// Ready returns nil when the last run found every critical check passing.
// It fits server.ReadyCheck.
func (h *HealthChecker) Ready(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ready {
		return nil
	}
	var failed []string
	for name, r := range h.results {
		if !r.Healthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return fmt.Errorf("failing checks: %v", failed)
}

// Status returns the current overall status
func (h *HealthChecker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Results returns a copy of the last check results
func (h *HealthChecker) Results() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]CheckResult, len(h.results))
	for k, v := range h.results {
		out[k] = v
	}
	return out
}

// Shutdown marks the node as not serving ahead of a graceful stop.
func (h *HealthChecker) Shutdown() {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()
	if h.grpc != nil {
		h.grpc.Shutdown()
	}
}
