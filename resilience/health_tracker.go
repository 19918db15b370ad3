package resilience

import (
	"context"
	"sync"

	"github.com/itsneelabh/agentsubstrate/core"
)

// HealthState is one of the five health levels a component or the system as
// a whole can report (spec §3). Kept distinct from core.HealthStatus, which
// is the narrower three-value service-registration status the discovery
// surface reports.
type HealthState string

const (
	HealthStateHealthy   HealthState = "HEALTHY"
	HealthStateDegraded  HealthState = "DEGRADED"
	HealthStateUnhealthy HealthState = "UNHEALTHY"
	HealthStateCritical  HealthState = "CRITICAL"
	HealthStateUnknown   HealthState = "UNKNOWN"
)

// severity ranks HealthState from best to worst, so the rollup can pick the
// strictly-worst value across every registered component (spec §4.8).
var severity = map[HealthState]int{
	HealthStateHealthy:   0,
	HealthStateDegraded:  1,
	HealthStateUnhealthy: 2,
	HealthStateCritical:  3,
	HealthStateUnknown:   4,
}

func worseOf(a, b HealthState) HealthState {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// ComponentHealth is one component's reported health, with an optional
// human-readable reason.
type ComponentHealth struct {
	ComponentID string
	State       HealthState
	Reason      string
}

// HealthTracker aggregates per-component health into a single
// system-wide rollup (C8), strictly worst-status wins. Depends on EventBus
// for HEALTH_CHANGED/SYSTEM_HEALTH_CHANGED notification (spec §2).
type HealthTracker struct {
	bus    *core.EventBus
	logger core.Logger

	mu         sync.RWMutex
	components map[string]ComponentHealth
	lastSystem HealthState
}

// NewHealthTracker constructs a HealthTracker bound to bus.
func NewHealthTracker(bus *core.EventBus, logger core.Logger) *HealthTracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/health")
	}
	return &HealthTracker{
		bus:        bus,
		logger:     logger,
		components: make(map[string]ComponentHealth),
		lastSystem: HealthStateUnknown,
	}
}

// ReportHealth records componentID's current health. A change from its
// previous value emits HEALTH_CHANGED; if the system-wide rollup also
// changes as a result, SYSTEM_HEALTH_CHANGED is emitted too.
func (h *HealthTracker) ReportHealth(ctx context.Context, componentID string, state HealthState, reason string) {
	h.mu.Lock()
	prev, existed := h.components[componentID]
	systemBefore := h.rollupLocked()
	h.components[componentID] = ComponentHealth{ComponentID: componentID, State: state, Reason: reason}
	h.mu.Unlock()

	if existed && prev.State == state {
		return
	}

	if h.bus != nil {
		_ = h.bus.Emit(ctx, core.EventHealthChanged, map[string]interface{}{
			"component_id": componentID,
			"state":        string(state),
			"reason":       reason,
		}, core.PriorityNormal)
	}

	h.mu.Lock()
	systemAfter := h.rollupLocked()
	changed := systemAfter != h.lastSystem
	h.lastSystem = systemAfter
	h.mu.Unlock()

	if changed && h.bus != nil {
		_ = h.bus.Emit(ctx, core.EventSystemHealthChanged, map[string]interface{}{
			"state": string(systemAfter),
			"from":  string(systemBefore),
		}, core.PriorityHigh)
		h.logger.Info("system health changed", map[string]interface{}{"from": systemBefore, "to": systemAfter})
	}
}

// RemoveComponent drops componentID from the rollup entirely (e.g. on
// graceful shutdown of that component).
func (h *HealthTracker) RemoveComponent(componentID string) {
	h.mu.Lock()
	delete(h.components, componentID)
	h.mu.Unlock()
}

// ComponentState returns componentID's last reported health.
func (h *HealthTracker) ComponentState(componentID string) (HealthState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.components[componentID]
	return ch.State, ok
}

// SystemHealth returns the strictly-worst health across every registered
// component. An empty registry reports UNKNOWN.
func (h *HealthTracker) SystemHealth() HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rollupLocked()
}

func (h *HealthTracker) rollupLocked() HealthState {
	if len(h.components) == 0 {
		return HealthStateUnknown
	}
	worst := HealthStateHealthy
	for _, ch := range h.components {
		worst = worseOf(worst, ch.State)
	}
	return worst
}

// Snapshot returns every component's current health.
func (h *HealthTracker) Snapshot() []ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(h.components))
	for _, ch := range h.components {
		out = append(out, ch)
	}
	return out
}
