package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itsneelabh/agentsubstrate/core"
)

// PhaseType enumerates the phases a coordinated execution can pass through
// (spec §3: "phase_type (enumerated — ZERO, ONE, TWO, THREE, FOUR)").
type PhaseType string

const (
	PhaseZero  PhaseType = "ZERO"
	PhaseOne   PhaseType = "ONE"
	PhaseTwo   PhaseType = "TWO"
	PhaseThree PhaseType = "THREE"
	PhaseFour  PhaseType = "FOUR"
)

// PhaseLifecycleState is a PhaseContext's state (spec §3).
type PhaseLifecycleState string

const (
	PhaseReady     PhaseLifecycleState = "READY"
	PhaseRunning   PhaseLifecycleState = "RUNNING"
	PhasePaused    PhaseLifecycleState = "PAUSED"
	PhaseCompleted PhaseLifecycleState = "COMPLETED"
	PhaseFailed    PhaseLifecycleState = "FAILED"
	PhaseAborted   PhaseLifecycleState = "ABORTED"
)

func (s PhaseLifecycleState) terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseAborted
}

// PhaseTransition is one entry in a phase's transition log.
type PhaseTransition struct {
	From      PhaseLifecycleState
	To        PhaseLifecycleState
	Timestamp time.Time
	Reason    string
}

// Checkpoint captures a phase's StateStore keys under its prefix, plus its
// running input/output, at a point in time (spec §4.11).
type Checkpoint struct {
	ID        string
	CreatedAt time.Time
	Input     interface{}
	Output    interface{}
	Snapshot  map[string]core.StateEntry
}

// PhaseContext is the per-phase record the coordinator owns exclusively
// (spec §3). Checkpoints are monotonically ordered; exactly one terminal
// transition is permitted.
type PhaseContext struct {
	ID            string
	Type          PhaseType
	ParentID      string
	Config        map[string]interface{}
	Input         interface{}
	Output        interface{}
	Depth         int
	StatePrefix   string

	mu          sync.Mutex
	state       PhaseLifecycleState
	checkpoints []*Checkpoint
	transitions []PhaseTransition
}

func (p *PhaseContext) State() PhaseLifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PhaseContext) Transitions() []PhaseTransition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PhaseTransition, len(p.transitions))
	copy(out, p.transitions)
	return out
}

// TransitionHandler is invoked exactly once per transition; a returned
// error rejects the transition and moves the source phase to FAILED
// (spec §4.11).
type TransitionHandler func(phase *PhaseContext, from, to PhaseLifecycleState) error

// PhaseCoordinator manages nested phase lifecycles with checkpoint/rollback
// (C11). Operations on a single phase_id are serialized by that phase's own
// mutex (its per-phase lock is always a leaf lock, spec §5); distinct
// phases run in parallel via a coarser registry map lock.
type PhaseCoordinator struct {
	states    *core.StateStore
	bus       *core.EventBus
	logger    core.Logger
	telemetry core.Telemetry

	maxNestingDepth int

	mu       sync.RWMutex
	phases   map[string]*PhaseContext
	handlers map[transitionKey][]TransitionHandler
}

type transitionKey struct {
	from, to PhaseLifecycleState
}

// NewPhaseCoordinator constructs a PhaseCoordinator bound to states/bus.
func NewPhaseCoordinator(states *core.StateStore, bus *core.EventBus, logger core.Logger) *PhaseCoordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/orchestration")
	}
	return &PhaseCoordinator{
		states:          states,
		bus:             bus,
		logger:          logger,
		maxNestingDepth: 4,
		phases:          make(map[string]*PhaseContext),
		handlers:        make(map[transitionKey][]TransitionHandler),
	}
}

// SetMaxNestingDepth overrides the default nesting limit of 4.
func (c *PhaseCoordinator) SetMaxNestingDepth(depth int) {
	c.maxNestingDepth = depth
}

// SetTelemetry installs a telemetry port; every phase transition thereafter
// is wrapped in a span (SPEC_FULL.md §11's tracing wiring).
func (c *PhaseCoordinator) SetTelemetry(t core.Telemetry) {
	c.telemetry = t
}

// RegisterTransitionHandler installs handler for the from->to transition.
func (c *PhaseCoordinator) RegisterTransitionHandler(from, to PhaseLifecycleState, handler TransitionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := transitionKey{from, to}
	c.handlers[key] = append(c.handlers[key], handler)
}

// InitializePhase creates a new PhaseContext in READY state.
func (c *PhaseCoordinator) InitializePhase(phaseType PhaseType, config map[string]interface{}, parentID string) (string, error) {
	depth := 0
	prefix := "phase"
	if parentID != "" {
		c.mu.RLock()
		parent, ok := c.phases[parentID]
		c.mu.RUnlock()
		if !ok {
			return "", &core.FrameworkError{Op: "PhaseCoordinator.InitializePhase", Kind: string(core.KindValidationFailure), ID: parentID, Err: core.ErrValidationFailed}
		}
		depth = parent.Depth + 1
		if depth > c.maxNestingDepth {
			return "", &core.FrameworkError{Op: "PhaseCoordinator.InitializePhase", Kind: string(core.KindValidationFailure), ID: parentID, Err: core.ErrNestingTooDeep}
		}
		prefix = parent.StatePrefix
	}

	id := uuid.NewString()
	phase := &PhaseContext{
		ID:          id,
		Type:        phaseType,
		ParentID:    parentID,
		Config:      config,
		Depth:       depth,
		StatePrefix: prefix,
		state:       PhaseReady,
	}

	c.mu.Lock()
	c.phases[id] = phase
	c.mu.Unlock()

	return id, nil
}

func (c *PhaseCoordinator) getPhase(phaseID string) (*PhaseContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	phase, ok := c.phases[phaseID]
	if !ok {
		return nil, &core.FrameworkError{Op: "PhaseCoordinator", Kind: string(core.KindValidationFailure), ID: phaseID, Err: core.ErrValidationFailed}
	}
	return phase, nil
}

// transition moves phase from its current state to to, invoking any
// registered handler exactly once. A handler error rejects the transition
// and moves the phase to FAILED instead. Only a terminal source state is
// rejected; the source state an operation normally starts from (named on
// StartPhase, PausePhase, ResumePhase and CompletePhase) is not checked.
func (c *PhaseCoordinator) transition(phase *PhaseContext, to PhaseLifecycleState, reason string) error {
	if c.telemetry != nil {
		_, span := c.telemetry.StartSpan(context.Background(), "PhaseCoordinator.transition")
		span.SetAttribute("phase_id", phase.ID)
		span.SetAttribute("to", string(to))
		defer span.End()
	}

	phase.mu.Lock()
	from := phase.state
	if from.terminal() {
		phase.mu.Unlock()
		return &core.FrameworkError{Op: "PhaseCoordinator.transition", Kind: string(core.KindStateConflict), ID: phase.ID, Err: core.ErrStateConflict}
	}
	phase.mu.Unlock()

	c.mu.RLock()
	handlers := append([]TransitionHandler(nil), c.handlers[transitionKey{from, to}]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		if err := h(phase, from, to); err != nil {
			phase.mu.Lock()
			phase.state = PhaseFailed
			phase.transitions = append(phase.transitions, PhaseTransition{From: from, To: PhaseFailed, Timestamp: time.Now(), Reason: err.Error()})
			phase.mu.Unlock()
			c.emitPhaseChanged(phase, from, PhaseFailed)
			return err
		}
	}

	phase.mu.Lock()
	phase.state = to
	phase.transitions = append(phase.transitions, PhaseTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	phase.mu.Unlock()

	c.emitPhaseChanged(phase, from, to)
	return nil
}

func (c *PhaseCoordinator) emitPhaseChanged(phase *PhaseContext, from, to PhaseLifecycleState) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Emit(context.Background(), core.EventPhaseStateChanged, map[string]interface{}{
		"phase_id": phase.ID,
		"from":     string(from),
		"to":       string(to),
	}, core.PriorityNormal)
}

// StartPhase moves phase_id to RUNNING with input, normally from READY.
func (c *PhaseCoordinator) StartPhase(phaseID string, input interface{}) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	phase.mu.Lock()
	phase.Input = input
	phase.mu.Unlock()
	return c.transition(phase, PhaseRunning, "start")
}

// CompletePhase moves phase_id to COMPLETED with output, normally from RUNNING.
func (c *PhaseCoordinator) CompletePhase(phaseID string, output interface{}) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	phase.mu.Lock()
	phase.Output = output
	phase.mu.Unlock()
	return c.transition(phase, PhaseCompleted, "complete")
}

// PausePhase moves phase_id to PAUSED, normally from RUNNING.
func (c *PhaseCoordinator) PausePhase(phaseID string) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	return c.transition(phase, PhasePaused, "pause")
}

// ResumePhase moves phase_id back to RUNNING, normally from PAUSED.
func (c *PhaseCoordinator) ResumePhase(phaseID string) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	return c.transition(phase, PhaseRunning, "resume")
}

// AbortPhase terminally aborts phase_id. If rollback requests it and a
// checkpoint exists, the newest checkpoint is restored first.
func (c *PhaseCoordinator) AbortPhase(phaseID, reason string, rollback bool) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	if rollback {
		phase.mu.Lock()
		var newest *Checkpoint
		if len(phase.checkpoints) > 0 {
			newest = phase.checkpoints[len(phase.checkpoints)-1]
		}
		phase.mu.Unlock()
		if newest != nil {
			c.restoreCheckpoint(phase, newest)
		}
	}
	return c.transition(phase, PhaseAborted, reason)
}

// CreateCheckpoint captures phase_id's current StateStore keys (under its
// prefix) plus its running input/output.
func (c *PhaseCoordinator) CreateCheckpoint(phaseID string) (string, error) {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return "", err
	}

	snapshot := c.states.GetStatesByPrefix(fmt.Sprintf("%s:%s:", phase.StatePrefix, phase.ID))

	phase.mu.Lock()
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Input:     phase.Input,
		Output:    phase.Output,
		Snapshot:  snapshot,
	}
	phase.checkpoints = append(phase.checkpoints, cp)
	phase.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Emit(context.Background(), core.EventCheckpointCreated, map[string]interface{}{
			"phase_id":      phase.ID,
			"checkpoint_id": cp.ID,
		}, core.PriorityNormal)
	}

	return cp.ID, nil
}

// RollbackToCheckpoint restores phase_id's StateStore keys and
// input/output from checkpointID, atomically.
func (c *PhaseCoordinator) RollbackToCheckpoint(phaseID, checkpointID string) error {
	phase, err := c.getPhase(phaseID)
	if err != nil {
		return err
	}
	phase.mu.Lock()
	var target *Checkpoint
	for _, cp := range phase.checkpoints {
		if cp.ID == checkpointID {
			target = cp
			break
		}
	}
	phase.mu.Unlock()
	if target == nil {
		return &core.FrameworkError{Op: "PhaseCoordinator.RollbackToCheckpoint", Kind: string(core.KindValidationFailure), ID: checkpointID, Err: core.ErrValidationFailed}
	}
	c.restoreCheckpoint(phase, target)
	return nil
}

func (c *PhaseCoordinator) restoreCheckpoint(phase *PhaseContext, cp *Checkpoint) {
	c.states.Restore(context.Background(), cp.Snapshot)
	phase.mu.Lock()
	phase.Input = cp.Input
	phase.Output = cp.Output
	phase.mu.Unlock()
}

// CoordinateNestedExecution runs a child phase synchronously from
// parent_id's perspective: the parent remains RUNNING while the child
// transitions through its own lifecycle. The child inherits the parent's
// StateStore prefix. Exceeding the configured nesting depth fails with
// NestingTooDeep (spec §4.11).
func (c *PhaseCoordinator) CoordinateNestedExecution(parentID string, targetType PhaseType, input interface{}, config map[string]interface{}, run func(childID string, input interface{}) (interface{}, error)) (interface{}, error) {
	childID, err := c.InitializePhase(targetType, config, parentID)
	if err != nil {
		return nil, err
	}
	if err := c.StartPhase(childID, input); err != nil {
		return nil, err
	}

	output, runErr := run(childID, input)
	if runErr != nil {
		_ = c.AbortPhase(childID, runErr.Error(), true)
		return nil, runErr
	}

	if err := c.CompletePhase(childID, output); err != nil {
		return nil, err
	}
	return output, nil
}
