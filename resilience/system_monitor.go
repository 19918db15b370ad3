package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/agentsubstrate/core"
)

// SystemMonitorConfig configures the periodic sweep (C9), grounded on
// original_source/resources/monitoring.py's SystemMonitorConfig
// (SPEC_FULL.md §12.5).
type SystemMonitorConfig struct {
	SweepInterval          time.Duration
	MemoryWarnTotalMB      float64
	MemoryCriticalTotalMB  float64
	BreakerDegradedOnOpen  bool
}

// DefaultSystemMonitorConfig returns a 30s sweep with generous memory caps.
func DefaultSystemMonitorConfig() SystemMonitorConfig {
	return SystemMonitorConfig{
		SweepInterval:         30 * time.Second,
		MemoryWarnTotalMB:     2048,
		MemoryCriticalTotalMB: 4096,
		BreakerDegradedOnOpen: true,
	}
}

// SystemSnapshot is one sweep's correlated view across memory, breakers and
// health (spec §4: "periodic sweep that correlates memory, breakers, and
// health").
type SystemSnapshot struct {
	Timestamp     time.Time
	SystemHealth  HealthState
	OpenBreakers  []string
	MemoryByComp  map[string]float64
	TotalMemoryMB float64
}

// SystemMonitor periodically correlates MemoryTracker, CircuitBreakerRegistry
// and HealthTracker into a single snapshot, feeding its own findings back
// into HealthTracker as the "system_monitor" component (spec §2: "depends on
// all of the above").
type SystemMonitor struct {
	cfg      SystemMonitorConfig
	bus      *core.EventBus
	memory   MemoryTrackerView
	breakers *CircuitBreakerRegistry
	health   *HealthTracker
	logger   core.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.RWMutex
	lastSnap SystemSnapshot
}

// MemoryTrackerView is the minimal read surface SystemMonitor needs from
// core.MemoryTracker, kept local so resilience doesn't need to know about
// every MemoryTracker internal.
type MemoryTrackerView interface {
	GetComponentTotal(componentID string) float64
}

// NewSystemMonitor constructs a SystemMonitor. memory may be nil if memory
// correlation isn't needed (e.g. in tests).
func NewSystemMonitor(cfg SystemMonitorConfig, bus *core.EventBus, memory MemoryTrackerView, breakers *CircuitBreakerRegistry, health *HealthTracker, logger core.Logger) *SystemMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	if cfg.SweepInterval <= 0 {
		cfg = DefaultSystemMonitorConfig()
	}
	sm := &SystemMonitor{
		cfg:      cfg,
		bus:      bus,
		memory:   memory,
		breakers: breakers,
		health:   health,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	return sm
}

// Start begins the periodic sweep in a background goroutine.
func (sm *SystemMonitor) Start(watchComponents []string, watchBreakers []string) {
	go sm.loop(watchComponents, watchBreakers)
}

func (sm *SystemMonitor) loop(watchComponents, watchBreakers []string) {
	ticker := time.NewTicker(sm.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.sweep(watchComponents, watchBreakers)
		case <-sm.stopCh:
			return
		}
	}
}

func (sm *SystemMonitor) sweep(watchComponents, watchBreakers []string) {
	ctx := context.Background()

	memByComp := make(map[string]float64)
	total := 0.0
	if sm.memory != nil {
		for _, id := range watchComponents {
			v := sm.memory.GetComponentTotal(id)
			memByComp[id] = v
			total += v
		}
	}

	var openBreakers []string
	if sm.breakers != nil {
		for _, name := range watchBreakers {
			if cb, ok := sm.breakers.Get(name); ok && cb.State() == StateOpen {
				openBreakers = append(openBreakers, name)
			}
		}
	}

	systemHealth := HealthStateHealthy
	if total >= sm.cfg.MemoryCriticalTotalMB {
		systemHealth = HealthStateCritical
	} else if total >= sm.cfg.MemoryWarnTotalMB {
		systemHealth = HealthStateDegraded
	}
	if sm.cfg.BreakerDegradedOnOpen && len(openBreakers) > 0 {
		systemHealth = worseOf(systemHealth, HealthStateDegraded)
	}

	snap := SystemSnapshot{
		Timestamp:     time.Now(),
		SystemHealth:  systemHealth,
		OpenBreakers:  openBreakers,
		MemoryByComp:  memByComp,
		TotalMemoryMB: total,
	}
	sm.mu.Lock()
	sm.lastSnap = snap
	sm.mu.Unlock()

	if sm.health != nil {
		reason := ""
		if len(openBreakers) > 0 {
			reason = "open circuit breakers detected during sweep"
		}
		sm.health.ReportHealth(ctx, "system_monitor", systemHealth, reason)
	}

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge("system_monitor.total_memory_mb", total)
		registry.Gauge("system_monitor.open_breakers", float64(len(openBreakers)))
	}
	sm.logger.Debug("system monitor sweep complete", map[string]interface{}{
		"total_memory_mb": total, "open_breakers": len(openBreakers), "system_health": systemHealth,
	})
}

// LastSnapshot returns the most recently completed sweep's result.
func (sm *SystemMonitor) LastSnapshot() SystemSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastSnap
}

// Stop terminates the sweep loop. Idempotent.
func (sm *SystemMonitor) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopCh)
	})
}
