package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name    string
	Check   CheckFunc
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker answers liveness unconditionally and readiness by running
// every registered dependency check.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	last   map[string]string
	logger *zap.SugaredLogger
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		last:   make(map[string]string),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		result := runCheck(ctx, check)
		if result != StatusHealthy {
			status.Status = StatusUnhealthy
		}
		status.Checks[check.Name] = result
	}
	return status
}

// StartBackgroundChecks runs every check each interval until ctx is done and
// logs transitions between healthy and unhealthy.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.observe(h.CheckAll(ctx))
		}
	}
}

func (h *HealthChecker) observe(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, result := range status.Checks {
		if h.last[name] == result {
			continue
		}
		if result == StatusHealthy {
			h.logger.Infow("dependency recovered", "check", name)
		} else {
			h.logger.Warnw("dependency unhealthy", "check", name, "error", result)
		}
		h.last[name] = result
	}
}

func (h *HealthChecker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}

func (h *HealthChecker) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

func (h *HealthChecker) Ready(c *gin.Context) {
	status := h.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func runCheck(ctx context.Context, check HealthCheck) string {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	if err := check.Check(ctx); err != nil {
		return err.Error()
	}
	return StatusHealthy
}
