package core

import (
	"context"
	"sync"
)

// MemoryThresholds configures MemoryTracker's alerting for one component.
type MemoryThresholds struct {
	PerResourceMaxMB float64
	WarningPercent   float64
	CriticalPercent  float64
}

// MemoryTracker accounts for per-(component, resource) size in megabytes
// and emits threshold-crossing alerts (C6).
type MemoryTracker struct {
	bus    *EventBus
	logger Logger

	mu         sync.RWMutex
	components map[string]MemoryThresholds
	resources  map[string]map[string]float64 // componentID -> resourceID -> sizeMB
	alertLevel map[string]map[string]string  // componentID -> resourceID -> "" | "WARNING" | "CRITICAL"
}

// NewMemoryTracker constructs a MemoryTracker bound to bus for alert events.
func NewMemoryTracker(bus *EventBus, logger Logger) *MemoryTracker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/memory")
	}
	return &MemoryTracker{
		bus:        bus,
		logger:     logger,
		components: make(map[string]MemoryThresholds),
		resources:  make(map[string]map[string]float64),
		alertLevel: make(map[string]map[string]string),
	}
}

// RegisterComponent installs thresholds for componentID. Re-registering
// replaces the previous thresholds.
func (m *MemoryTracker) RegisterComponent(componentID string, thresholds MemoryThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[componentID] = thresholds
	if m.resources[componentID] == nil {
		m.resources[componentID] = make(map[string]float64)
	}
	if m.alertLevel[componentID] == nil {
		m.alertLevel[componentID] = make(map[string]string)
	}
}

// TrackResource records resourceID's size under componentID, replacing any
// prior size recorded for the same id. Exceeding PerResourceMaxMB is a hard
// refusal (ResourceExhausted); crossing warning/critical percentages emits
// exactly one alert per crossing (spec §8: no duplicates until it drops back
// below and crosses again).
func (m *MemoryTracker) TrackResource(ctx context.Context, resourceID string, sizeMB float64, componentID string) error {
	m.mu.Lock()
	thresholds, ok := m.components[componentID]
	if !ok {
		thresholds = MemoryThresholds{PerResourceMaxMB: 512, WarningPercent: 0.75, CriticalPercent: 0.9}
		m.components[componentID] = thresholds
	}
	if m.resources[componentID] == nil {
		m.resources[componentID] = make(map[string]float64)
	}
	if m.alertLevel[componentID] == nil {
		m.alertLevel[componentID] = make(map[string]string)
	}

	if sizeMB > thresholds.PerResourceMaxMB {
		m.mu.Unlock()
		m.emitAlert(ctx, componentID, resourceID, "CRITICAL", "resource exceeds per_resource_max_mb")
		return &FrameworkError{
			Op: "MemoryTracker.TrackResource", Kind: string(KindResourceExhausted), ID: resourceID,
			Err: ErrResourceExhausted,
		}
	}

	m.resources[componentID][resourceID] = sizeMB

	percent := 0.0
	if thresholds.PerResourceMaxMB > 0 {
		percent = sizeMB / thresholds.PerResourceMaxMB
	}

	level := ""
	switch {
	case percent >= thresholds.CriticalPercent:
		level = "CRITICAL"
	case percent >= thresholds.WarningPercent:
		level = "WARNING"
	}

	prevLevel := m.alertLevel[componentID][resourceID]
	m.alertLevel[componentID][resourceID] = level
	m.mu.Unlock()

	if level != "" && level != prevLevel {
		m.emitAlert(ctx, componentID, resourceID, level, "resource crossed memory threshold")
	}
	return nil
}

// UntrackResource removes resourceID's accounting and resets its alert state.
func (m *MemoryTracker) UntrackResource(resourceID string, componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.resources[componentID]; ok {
		delete(res, resourceID)
	}
	if alerts, ok := m.alertLevel[componentID]; ok {
		delete(alerts, resourceID)
	}
}

// GetComponentTotal returns the sum of all tracked resource sizes for componentID.
func (m *MemoryTracker) GetComponentTotal(componentID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, size := range m.resources[componentID] {
		total += size
	}
	return total
}

func (m *MemoryTracker) emitAlert(ctx context.Context, componentID, resourceID, severity, message string) {
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("memory.alerts", "component_id", componentID, "severity", severity)
	}
	if m.bus == nil {
		return
	}
	_ = m.bus.Emit(ctx, EventResourceAlertCreated, map[string]interface{}{
		"source":       "MemoryTracker",
		"component_id": componentID,
		"resource_id":  resourceID,
		"severity":     severity,
		"message":      message,
	}, PriorityHigh)
}
