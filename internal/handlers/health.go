package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency is ready to serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	started time.Time
	now     func() time.Time
	checks  map[string]ReadinessCheck
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithReadinessCheck registers a named dependency check evaluated by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// WithHealthClock overrides the time source, primarily for testing.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now, checks: make(map[string]ReadinessCheck)}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.started).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz evaluates every registered readiness check.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	payload := map[string]any{"status": "ready", "checks": results}
	if status != http.StatusOK {
		payload["status"] = "degraded"
	}
	writeJSONResponse(w, status, payload)
}
