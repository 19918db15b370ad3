package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeMemoryView struct {
	totals map[string]float64
}

func (f *fakeMemoryView) GetComponentTotal(componentID string) float64 {
	return f.totals[componentID]
}

func TestSystemMonitor_SweepReportsHealthyBelowThresholds(t *testing.T) {
	mem := &fakeMemoryView{totals: map[string]float64{"comp-1": 10}}
	health := NewHealthTracker(nil, nil)
	sm := NewSystemMonitor(DefaultSystemMonitorConfig(), nil, mem, newTestRegistry(), health, nil)

	sm.sweep([]string{"comp-1"}, nil)

	snap := sm.LastSnapshot()
	assert.Equal(t, HealthStateHealthy, snap.SystemHealth)
	assert.Equal(t, 10.0, snap.TotalMemoryMB)
	assert.Equal(t, HealthStateHealthy, health.SystemHealth())
}

func TestSystemMonitor_SweepReportsDegradedOverWarnThreshold(t *testing.T) {
	cfg := DefaultSystemMonitorConfig()
	cfg.MemoryWarnTotalMB = 100
	cfg.MemoryCriticalTotalMB = 1000
	mem := &fakeMemoryView{totals: map[string]float64{"comp-1": 150}}
	health := NewHealthTracker(nil, nil)
	sm := NewSystemMonitor(cfg, nil, mem, newTestRegistry(), health, nil)

	sm.sweep([]string{"comp-1"}, nil)

	assert.Equal(t, HealthStateDegraded, sm.LastSnapshot().SystemHealth)
}

func TestSystemMonitor_SweepReportsCriticalOverCriticalThreshold(t *testing.T) {
	cfg := DefaultSystemMonitorConfig()
	cfg.MemoryWarnTotalMB = 100
	cfg.MemoryCriticalTotalMB = 200
	mem := &fakeMemoryView{totals: map[string]float64{"comp-1": 250}}
	sm := NewSystemMonitor(cfg, nil, mem, newTestRegistry(), nil, nil)

	sm.sweep([]string{"comp-1"}, nil)

	assert.Equal(t, HealthStateCritical, sm.LastSnapshot().SystemHealth)
}

func TestSystemMonitor_OpenBreakerDegradesHealthySnapshot(t *testing.T) {
	mem := &fakeMemoryView{totals: map[string]float64{"comp-1": 1}}
	registry := newTestRegistry()
	registry.GetOrCreate("svc-a", nil)
	registry.Trip("svc-a", "boom")

	sm := NewSystemMonitor(DefaultSystemMonitorConfig(), nil, mem, registry, nil, nil)
	sm.sweep([]string{"comp-1"}, []string{"svc-a"})

	snap := sm.LastSnapshot()
	assert.Equal(t, HealthStateDegraded, snap.SystemHealth)
	assert.Equal(t, []string{"svc-a"}, snap.OpenBreakers)
}

func TestSystemMonitor_StopIsIdempotent(t *testing.T) {
	sm := NewSystemMonitor(DefaultSystemMonitorConfig(), nil, nil, nil, nil, nil)
	assert.NotPanics(t, func() {
		sm.Stop()
		sm.Stop()
	})
}

func TestSystemMonitor_StartRunsPeriodicSweeps(t *testing.T) {
	cfg := SystemMonitorConfig{SweepInterval: 5 * time.Millisecond, MemoryWarnTotalMB: 1000, MemoryCriticalTotalMB: 2000}
	mem := &fakeMemoryView{totals: map[string]float64{"comp-1": 1}}
	sm := NewSystemMonitor(cfg, nil, mem, nil, nil, nil)

	sm.Start([]string{"comp-1"}, nil)
	defer sm.Stop()

	time.Sleep(30 * time.Millisecond)

	snap := sm.LastSnapshot()
	assert.False(t, snap.Timestamp.IsZero())
}
