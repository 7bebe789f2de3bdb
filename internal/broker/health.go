package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/systmms/dbcreds/internal/backend"
	"github.com/systmms/dbcreds/internal/logging"
)

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// HealthReport is built once per check and not modified afterwards.
type HealthReport struct {
	Timestamp time.Time       `json:"timestamp"`
	Healthy   bool            `json:"healthy"`
	Class     string          `json:"class"`
	Backend   ComponentHealth `json:"backend"`
	Database  ComponentHealth `json:"database"`
}

// HealthChecker reports backend and database reachability.
type HealthChecker struct {
	backend  backend.HealthChecker
	resolver *Resolver
	checker  ConnectionChecker
	logger   *logging.Logger
	now      func() time.Time
}

// NewHealthChecker creates a checker. b may be nil for backends without a
// health endpoint.
func NewHealthChecker(b backend.HealthChecker, resolver *Resolver, checker ConnectionChecker, logger *logging.Logger) *HealthChecker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &HealthChecker{
		backend:  b,
		resolver: resolver,
		checker:  checker,
		logger:   logger,
		now:      time.Now,
	}
}

// Check pings the backend, then resolves a connection string and opens a
// connection with it.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	backendHealth := h.checkBackend(ctx)
	dbHealth := h.checkDatabase(ctx)

	return HealthReport{
		Timestamp: h.now(),
		Healthy:   backendHealth.Healthy && dbHealth.Healthy,
		Class:     h.resolver.Source().Class(),
		Backend:   backendHealth,
		Database:  dbHealth,
	}
}

// ServeHTTP writes the report as JSON, 503 when unhealthy.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("Failed to write health response: %v", err)
	}
}

func (h *HealthChecker) checkBackend(ctx context.Context) ComponentHealth {
	if h.backend == nil {
		return ComponentHealth{Name: "backend", Healthy: true, Detail: "no health endpoint"}
	}

	start := time.Now()
	err := h.backend.Health(ctx)
	ch := ComponentHealth{
		Name:    h.backend.Name(),
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	if err != nil {
		ch.Detail = err.Error()
	}
	return ch
}

func (h *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	res, err := h.resolver.Resolve(ctx)
	if err == nil && h.checker != nil {
		err = h.checker.Check(ctx, res.ConnectionString)
	}

	ch := ComponentHealth{
		Name:    "database",
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	switch {
	case err != nil:
		ch.Detail = err.Error()
	case res.Fallback:
		ch.Detail = "using fallback connection string"
	}
	return ch
}
