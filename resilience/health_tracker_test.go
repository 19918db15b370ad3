package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTracker_EmptyRegistryIsUnknown(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	assert.Equal(t, HealthStateUnknown, h.SystemHealth())
}

func TestHealthTracker_ReportHealthTracksComponentState(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")

	state, ok := h.ComponentState("comp-1")
	require.True(t, ok)
	assert.Equal(t, HealthStateHealthy, state)
}

func TestHealthTracker_SystemHealthIsStrictlyWorstAcrossComponents(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-2", HealthStateDegraded, "slow")
	h.ReportHealth(context.Background(), "comp-3", HealthStateUnhealthy, "down")

	assert.Equal(t, HealthStateUnhealthy, h.SystemHealth())
}

func TestHealthTracker_RemoveComponentExcludesItFromRollup(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-2", HealthStateCritical, "fire")

	h.RemoveComponent("comp-2")

	assert.Equal(t, HealthStateHealthy, h.SystemHealth())
	_, ok := h.ComponentState("comp-2")
	assert.False(t, ok)
}

func TestHealthTracker_UnchangedStateDoesNotEmitHealthChanged(t *testing.T) {
	bus := core.NewEventBus(nil)
	bus.Start()
	defer bus.Stop(time.Second)

	h := NewHealthTracker(bus, nil)

	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")

	// Emit records history synchronously; the pause lets subscriber delivery settle.
	time.Sleep(20 * time.Millisecond)

	events := bus.GetHistory(core.EventHealthChanged, time.Time{}, 0)
	assert.Len(t, events, 1)
}

func TestHealthTracker_StateChangeEmitsHealthChanged(t *testing.T) {
	bus := core.NewEventBus(nil)
	bus.Start()
	defer bus.Stop(time.Second)

	h := NewHealthTracker(bus, nil)

	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-1", HealthStateDegraded, "slow")

	time.Sleep(20 * time.Millisecond)

	events := bus.GetHistory(core.EventHealthChanged, time.Time{}, 0)
	assert.Len(t, events, 2)
}

func TestHealthTracker_SystemHealthChangeEmitsSystemHealthChanged(t *testing.T) {
	bus := core.NewEventBus(nil)
	bus.Start()
	defer bus.Stop(time.Second)

	h := NewHealthTracker(bus, nil)

	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-1", HealthStateDegraded, "slow")
	// Reporting the same degraded state again should not move the rollup further.
	h.ReportHealth(context.Background(), "comp-1", HealthStateDegraded, "still slow")

	time.Sleep(20 * time.Millisecond)

	events := bus.GetHistory(core.EventSystemHealthChanged, time.Time{}, 0)
	assert.Len(t, events, 2)
}

func TestHealthTracker_SnapshotReturnsAllComponents(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	h.ReportHealth(context.Background(), "comp-1", HealthStateHealthy, "")
	h.ReportHealth(context.Background(), "comp-2", HealthStateDegraded, "slow")

	snapshot := h.Snapshot()
	assert.Len(t, snapshot, 2)
}

func TestHealthTracker_ComponentStateUnknownComponent(t *testing.T) {
	h := NewHealthTracker(nil, nil)
	_, ok := h.ComponentState("ghost")
	assert.False(t, ok)
}
