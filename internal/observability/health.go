package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type HealthReport struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
}

// HealthCheck reports one component of the client, e.g. the connection or
// the offline queue backlog.
type HealthCheck func(context.Context) (HealthStatus, string)

type Health struct {
	logger    *zap.Logger
	startTime time.Time
	version   string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func NewHealth(logger *zap.Logger, version string) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Health{
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		checks:    make(map[string]HealthCheck),
	}
}

func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Report runs every check. The worst component status wins.
func (h *Health) Report(ctx context.Context) HealthReport {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make([]ComponentHealth, 0, len(names)),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, name := range names {
		status, message := checks[name](ctx)
		report.Components = append(report.Components, ComponentHealth{Name: name, Status: status, Message: message})

		switch {
		case status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case status == StatusDegraded && report.Status != StatusUnhealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := h.Report(ctx)

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error("failed to encode health report", zap.Error(err))
	}
}
