package resilience

import (
	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/itsneelabh/agentsubstrate/telemetry"
)

// ResilienceDependencies holds the optional collaborators a breaker picks up
// at construction time: a logger for its own diagnostics and an event bus for
// state-change notifications (mirrors the optional-dependency pattern used by
// AgentRuntimeDeps in ai).
type ResilienceDependencies struct {
	Logger core.Logger
	Bus    *core.EventBus
}

// CreateCircuitBreaker builds a breaker for name using deps, falling back to a
// production logger tagged "framework/resilience" when none is supplied and
// wiring an OTel state gauge + listener when telemetry is globally enabled.
func CreateCircuitBreaker(name string, cfg CircuitBreakerConfig, deps ResilienceDependencies) *CircuitBreaker {
	cfg.Name = name

	logger := deps.Logger
	if logger == nil {
		logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"circuit-breaker",
		)
	}

	cb := NewCircuitBreaker(cfg, deps.Bus, logger)

	if globalTelemetryAvailable() {
		wireOTelMetrics(cb)
	}

	return cb
}

// globalTelemetryAvailable reports whether the telemetry package has been
// initialized globally, the same detection core's components use before
// reaching for optional observability.
func globalTelemetryAvailable() bool {
	return telemetry.GetRegistry() != nil
}
