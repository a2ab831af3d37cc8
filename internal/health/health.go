package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
	"github.com/ece-arena/arena-sync/internal/transport"
)

// CheckTimeout bounds a single health check.
const CheckTimeout = 5 * time.Second

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// Connection is the transport view the checker needs.
type Connection interface {
	Stats() transport.Stats
}

// Subscriptions is the registry view the checker needs.
type Subscriptions interface {
	Len() int
	ReadyCount() int
}

// Pinger is an optional backing service such as the snapshot cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports on the connection, subscriptions and backing services.
type HealthChecker struct {
	conn      Connection
	subs      Subscriptions
	services  map[string]Pinger
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker. services may be empty.
func NewHealthChecker(conn Connection, subs Subscriptions, services map[string]Pinger, log *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		conn:      conn,
		subs:      subs,
		services:  services,
		logger:    logger.OrNop(log).Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	components := []*ComponentStatus{
		h.checkConnection(),
		h.checkSubscriptions(),
	}
	for name, svc := range h.services {
		components = append(components, h.checkService(ctx, name, svc))
	}
	components = append(components, h.checkMemory(), h.checkSystemResources())

	counters := metrics.Read()
	return &HealthResponse{
		Status:     h.determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     h.formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
			"calls_sent":           counters.CallsSent,
			"calls_failed":         counters.CallsFailed,
			"pushes_per_second":    counters.PushesPerSecond,
			"mutations_reverted":   counters.MutationsReverted,
		},
	}
}

// checkConnection maps the transport state onto a health status. A failed
// connection is unhealthy; any state short of connected is degraded.
func (h *HealthChecker) checkConnection() *ComponentStatus {
	stats := h.conn.Stats()
	status := &ComponentStatus{
		Name: "connection",
		Details: map[string]any{
			"state":         stats.State.String(),
			"session":       stats.Session,
			"attempts":      stats.Attempts,
			"reconnecting":  stats.Reconnecting,
			"pending_calls": stats.PendingCalls,
		},
	}
	if stats.LastError != nil {
		status.Details["last_error"] = stats.LastError.Error()
	}

	switch stats.State {
	case transport.StateConnected:
		status.Status = StatusHealthy
		status.Message = "Connected"
	case transport.StateFailed:
		status.Status = StatusUnhealthy
		status.Message = "Reconnection gave up"
	default:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Connection %s", stats.State)
	}
	return status
}

func (h *HealthChecker) checkSubscriptions() *ComponentStatus {
	total, ready := h.subs.Len(), h.subs.ReadyCount()
	status := &ComponentStatus{
		Name:    "subscriptions",
		Details: map[string]any{"registered": total, "ready": ready},
	}
	if ready < total {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("%d of %d subscriptions ready", ready, total)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("%d subscriptions ready", total)
	}
	return status
}

// checkService pings an optional dependency. Its failure only degrades the
// client since views still work from the live connection.
func (h *HealthChecker) checkService(ctx context.Context, name string, svc Pinger) *ComponentStatus {
	status := &ComponentStatus{Name: name, Details: map[string]any{}}
	start := time.Now()
	if err := svc.Ping(ctx); err != nil {
		status.Status = StatusDegraded
		status.Message = name + " unreachable"
		status.Details["error"] = err.Error()
		return status
	}
	status.Status = StatusHealthy
	status.Message = name + " is healthy"
	status.Details["ping_ms"] = time.Since(start).Milliseconds()
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]any),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB  = 256
		memoryCriticalMB = 512
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]any{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	unhealthyCount := 0
	degradedCount := 0

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	if unhealthyCount > 0 {
		return StatusUnhealthy
	}
	if degradedCount > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. With ?ready=1 a
// degraded client is reported unavailable; otherwise only unhealthy is.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), CheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	switch {
	case resp.Status == StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case resp.Status == StatusDegraded && r.URL.Query().Get("ready") == "1":
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
