package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type SystemHandler struct {
	service   string
	checks    map[string]HealthCheck
	logger    Logger
	startTime time.Time
}

func NewSystemHandler(service string, checks map[string]HealthCheck, log Logger) *SystemHandler {
	return &SystemHandler{
		service:   service,
		checks:    checks,
		logger:    log,
		startTime: time.Now(),
	}
}

type DependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // operational, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type ReadinessResponse struct {
	Status       string             `json:"status"`
	Service      string             `json:"service"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// Health reports liveness only.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        h.service,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready probes every dependency and answers 503 when any of them is down.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := ReadinessResponse{Status: "ready", Service: h.service}
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)
		dep := DependencyStatus{
			Name:      name,
			Status:    "operational",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			dep.Status = "outage"
			dep.Error = err.Error()
			resp.Status = "not ready"
			h.logger.Error("Dependency check failed", map[string]interface{}{
				"dependency": name,
				"error":      err.Error(),
			})
		}
		resp.Dependencies = append(resp.Dependencies, dep)
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
