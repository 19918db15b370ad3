package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() *PhaseCoordinator {
	return NewPhaseCoordinator(core.NewStateStore(nil, nil, nil), nil, nil)
}

func TestPhaseCoordinator_InitializeStartCompleteHappyPath(t *testing.T) {
	c := newTestCoordinator()
	id, err := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, err)

	phase, err := c.getPhase(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, phase.State())

	require.NoError(t, c.StartPhase(id, "input"))
	assert.Equal(t, PhaseRunning, phase.State())

	require.NoError(t, c.CompletePhase(id, "output"))
	assert.Equal(t, PhaseCompleted, phase.State())
}

func TestPhaseCoordinator_PauseAndResume(t *testing.T) {
	c := newTestCoordinator()
	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, nil))

	require.NoError(t, c.PausePhase(id))
	phase, _ := c.getPhase(id)
	assert.Equal(t, PhasePaused, phase.State())

	require.NoError(t, c.ResumePhase(id))
	assert.Equal(t, PhaseRunning, phase.State())
}

func TestPhaseCoordinator_TerminalStateRejectsFurtherTransitions(t *testing.T) {
	c := newTestCoordinator()
	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, nil))
	require.NoError(t, c.CompletePhase(id, "done"))

	err := c.PausePhase(id)
	require.Error(t, err)
}

func TestPhaseCoordinator_NestingDepthExceededFails(t *testing.T) {
	c := newTestCoordinator()
	c.SetMaxNestingDepth(1)

	rootID, err := c.InitializePhase(PhaseZero, nil, "")
	require.NoError(t, err)
	childID, err := c.InitializePhase(PhaseOne, nil, rootID)
	require.NoError(t, err)

	_, err = c.InitializePhase(PhaseTwo, nil, childID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNestingTooDeep)
}

func TestPhaseCoordinator_TransitionHandlerErrorForcesFailed(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterTransitionHandler(PhaseReady, PhaseRunning, func(phase *PhaseContext, from, to PhaseLifecycleState) error {
		return errors.New("handler rejects start")
	})

	id, _ := c.InitializePhase(PhaseOne, nil, "")
	err := c.StartPhase(id, nil)
	require.Error(t, err)

	phase, _ := c.getPhase(id)
	assert.Equal(t, PhaseFailed, phase.State())
}

func TestPhaseCoordinator_TransitionHandlerInvokedExactlyOnce(t *testing.T) {
	c := newTestCoordinator()
	calls := 0
	c.RegisterTransitionHandler(PhaseReady, PhaseRunning, func(phase *PhaseContext, from, to PhaseLifecycleState) error {
		calls++
		return nil
	})

	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, nil))
	assert.Equal(t, 1, calls)
}

func TestPhaseCoordinator_CheckpointAndRollbackRestoresState(t *testing.T) {
	states := core.NewStateStore(nil, nil, nil)
	c := NewPhaseCoordinator(states, nil, nil)
	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, "initial"))

	phase, _ := c.getPhase(id)
	key := phase.StatePrefix + ":" + phase.ID + ":value"
	_, err := states.SetState(context.Background(), key, "before", core.ResourceState, nil)
	require.NoError(t, err)

	cpID, err := c.CreateCheckpoint(id)
	require.NoError(t, err)

	_, err = states.SetState(context.Background(), key, "after", core.ResourceState, nil)
	require.NoError(t, err)

	require.NoError(t, c.RollbackToCheckpoint(id, cpID))

	value, ok := states.GetState(key)
	require.True(t, ok)
	assert.Equal(t, "before", value)
}

func TestPhaseCoordinator_AbortWithRollbackRestoresNewestCheckpoint(t *testing.T) {
	states := core.NewStateStore(nil, nil, nil)
	c := NewPhaseCoordinator(states, nil, nil)
	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, "initial"))

	phase, _ := c.getPhase(id)
	key := phase.StatePrefix + ":" + phase.ID + ":value"
	_, _ = states.SetState(context.Background(), key, "checkpointed", core.ResourceState, nil)
	_, err := c.CreateCheckpoint(id)
	require.NoError(t, err)

	_, _ = states.SetState(context.Background(), key, "corrupted", core.ResourceState, nil)

	require.NoError(t, c.AbortPhase(id, "failure", true))

	value, ok := states.GetState(key)
	require.True(t, ok)
	assert.Equal(t, "checkpointed", value)
	assert.Equal(t, PhaseAborted, phase.State())
}

func TestPhaseCoordinator_CoordinateNestedExecutionCompletesChildOnSuccess(t *testing.T) {
	c := newTestCoordinator()
	rootID, _ := c.InitializePhase(PhaseZero, nil, "")
	require.NoError(t, c.StartPhase(rootID, nil))

	output, err := c.CoordinateNestedExecution(rootID, PhaseOne, "child-input", nil, func(childID string, input interface{}) (interface{}, error) {
		return "child-output", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "child-output", output)
}

type fakeCoordinatorSpan struct {
	ended      bool
	attributes map[string]interface{}
}

func (s *fakeCoordinatorSpan) End()                                       { s.ended = true }
func (s *fakeCoordinatorSpan) SetAttribute(key string, value interface{}) { s.attributes[key] = value }
func (s *fakeCoordinatorSpan) RecordError(err error)                     {}

type fakeCoordinatorTelemetry struct {
	spans []*fakeCoordinatorSpan
}

func (f *fakeCoordinatorTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	span := &fakeCoordinatorSpan{attributes: make(map[string]interface{})}
	f.spans = append(f.spans, span)
	return ctx, span
}

func (f *fakeCoordinatorTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

func TestPhaseCoordinator_TransitionWrapsSpanWhenTelemetryConfigured(t *testing.T) {
	c := newTestCoordinator()
	telemetry := &fakeCoordinatorTelemetry{}
	c.SetTelemetry(telemetry)

	id, _ := c.InitializePhase(PhaseOne, nil, "")
	require.NoError(t, c.StartPhase(id, nil))

	require.Len(t, telemetry.spans, 1)
	assert.True(t, telemetry.spans[0].ended)
	assert.Equal(t, id, telemetry.spans[0].attributes["phase_id"])
}

func TestPhaseCoordinator_CoordinateNestedExecutionAbortsChildOnError(t *testing.T) {
	c := newTestCoordinator()
	rootID, _ := c.InitializePhase(PhaseZero, nil, "")
	require.NoError(t, c.StartPhase(rootID, nil))

	_, err := c.CoordinateNestedExecution(rootID, PhaseOne, "child-input", nil, func(childID string, input interface{}) (interface{}, error) {
		return nil, errors.New("child failed")
	})
	require.Error(t, err)
}
