// Package ai hosts AgentRuntime (C10): the per-agent process-reflect-refine
// contract every pipeline stage executes against.
package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/itsneelabh/agentsubstrate/resilience"
)

// AgentState is an agent's lifecycle state (spec §3).
type AgentState string

const (
	AgentReady            AgentState = "READY"
	AgentProcessing       AgentState = "PROCESSING"
	AgentValidating       AgentState = "VALIDATING"
	AgentFailedValidation AgentState = "FAILED_VALIDATION"
	AgentComplete         AgentState = "COMPLETE"
	AgentError            AgentState = "ERROR"
	AgentCoordinating     AgentState = "COORDINATING"
	AgentClarifying       AgentState = "CLARIFYING"
)

// ResourceState is the coarser state AgentState maps onto (spec §3).
type ResourceState string

const (
	ResourceInitializing ResourceState = "INITIALIZING"
	ResourceActive       ResourceState = "ACTIVE"
	ResourcePaused       ResourceState = "PAUSED"
	ResourceFailed       ResourceState = "FAILED"
	ResourceTerminated   ResourceState = "TERMINATED"
)

// agentResourceStates maps agent states that drive a resource-state sync to
// their target ResourceState (spec §4.10, grounded on
// original_source/interfaces/agent/interface.py's `resource_states` map).
var agentResourceStates = map[AgentState]ResourceState{
	AgentProcessing:       ResourceActive,
	AgentValidating:       ResourcePaused,
	AgentFailedValidation: ResourceFailed,
	AgentError:            ResourceTerminated,
	AgentComplete:         ResourceActive,
}

// ProcessResult is the envelope process_with_validation returns, mirroring
// the caller-visible error envelope of spec §7 plus a populated Output on
// success.
type ProcessResult struct {
	Output    interface{}
	Error     string
	RequestID string
	Status    string // "success" | "error"
}

// GuidelineResult is the stub envelope guideline propagation operations
// return (spec §4.10: "contract stubs at this layer").
type GuidelineResult struct {
	Success bool
	Ready   bool
	Verified bool
	Details map[string]interface{}
}

// AgentRuntime executes a single agent's process-reflect-refine cycle with
// validation, state tracking, and reliability (C10). Each transition is
// serialized by a per-agent mutex (spec §3: "transitions are serialized by
// a per-agent mutex").
type AgentRuntime struct {
	AgentID string
	Model   string

	generator core.AIClient
	states    *core.StateStore
	contexts  *core.ContextStore
	metrics   *core.MetricsStore
	memory    *core.MemoryTracker
	bus       *core.EventBus
	health    *resilience.HealthTracker
	breakers  *resilience.CircuitBreakerRegistry
	telemetry core.Telemetry
	schemas   core.SchemaCache
	timeouts  core.TimeoutConfig
	logger    core.Logger

	mu    sync.Mutex
	state AgentState

	maxValidationAttempts int
}

// AgentRuntimeDeps bundles every dependency an AgentRuntime needs, grounded
// on spec §2's dependency order: "AgentRuntime depends on everything below
// it".
type AgentRuntimeDeps struct {
	Generator core.AIClient
	States    *core.StateStore
	Contexts  *core.ContextStore
	Metrics   *core.MetricsStore
	Memory    *core.MemoryTracker
	Bus       *core.EventBus
	Health    *resilience.HealthTracker
	Breakers  *resilience.CircuitBreakerRegistry
	Telemetry core.Telemetry
	Schemas   core.SchemaCache
	Timeouts  core.TimeoutConfig
	Logger    core.Logger
}

// NewAgentRuntime constructs an AgentRuntime in the READY state.
func NewAgentRuntime(agentID, model string, deps AgentRuntimeDeps) *AgentRuntime {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/" + agentID)
	}
	return &AgentRuntime{
		AgentID:               agentID,
		Model:                 model,
		generator:             deps.Generator,
		states:                deps.States,
		contexts:              deps.Contexts,
		metrics:               deps.Metrics,
		memory:                deps.Memory,
		bus:                   deps.Bus,
		health:                deps.Health,
		breakers:              deps.Breakers,
		telemetry:             deps.Telemetry,
		schemas:               deps.Schemas,
		timeouts:              deps.Timeouts,
		logger:                logger,
		state:                 AgentReady,
		maxValidationAttempts: 3,
	}
}

// State returns the agent's current lifecycle state.
func (a *AgentRuntime) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetAgentState transitions the agent to newState (spec §4.10). The
// internal state field is updated unconditionally and health is reported
// for every transition; only the best-effort StateStore sync is subject to
// StateLockTimeout, and a timed-out sync degrades to a warning log, a
// WARNING alert event and an agent.state_lock.timeout counter rather than
// losing the transition (SPEC_FULL.md §13.1).
func (a *AgentRuntime) SetAgentState(ctx context.Context, newState AgentState, metadata map[string]interface{}) {
	a.mu.Lock()
	from := a.state
	a.state = newState
	a.mu.Unlock()

	if a.bus != nil {
		_ = a.bus.Emit(ctx, core.EventInterfaceStateChanged, map[string]interface{}{
			"agent_id": a.AgentID,
			"from":     string(from),
			"to":       string(newState),
			"metadata": metadata,
		}, core.PriorityNormal)
	}

	if a.health != nil {
		a.health.ReportHealth(ctx, "agent/"+a.AgentID, resolveHealth(newState), string(newState))
	}

	resourceState, needsSync := agentResourceStates[newState]
	if !needsSync {
		return
	}

	lockTimeout := a.timeouts.StateLockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	syncCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.states != nil {
			_, _ = a.states.SetState(syncCtx, "agent:"+a.AgentID+":resource_state", resourceState, core.ResourceState, metadata)
		}
	}()

	select {
	case <-done:
	case <-syncCtx.Done():
		a.logger.WarnWithContext(ctx, "state lock timeout syncing resource state, agent state already updated", map[string]interface{}{
			"agent_id": a.AgentID, "new_state": string(newState),
		})
		if registry := core.GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("agent.state_lock.timeout", "agent_id", a.AgentID)
		}
		if a.bus != nil {
			_ = a.bus.Emit(ctx, core.EventResourceAlertCreated, map[string]interface{}{
				"source": "AgentRuntime", "agent_id": a.AgentID, "severity": "WARNING",
				"message": "state lock timeout syncing resource state",
			}, core.PriorityHigh)
		}
	}
}

func resolveHealth(state AgentState) resilience.HealthState {
	switch state {
	case AgentError, AgentFailedValidation:
		return resilience.HealthStateUnhealthy
	case AgentProcessing, AgentValidating, AgentCoordinating, AgentClarifying:
		return resilience.HealthStateDegraded
	default:
		return resilience.HealthStateHealthy
	}
}

// ProcessWithValidation runs the process algorithm of spec §4.10: transition
// to PROCESSING, acquire/create the
// operation's AgentContext, invoke the generation capability under a named
// circuit breaker and overall timeout, and transition to COMPLETE or ERROR
// based on the outcome.
func (a *AgentRuntime) ProcessWithValidation(ctx context.Context, conversation string, systemPrompt string, schema interface{}, phase string, operationID string, metadata map[string]interface{}, timeout time.Duration) ProcessResult {
	requestID := operationID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["request_id"] = requestID
	metadata["phase"] = phase

	if timeout <= 0 {
		timeout = a.timeouts.DefaultProcessTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
	}

	schema = a.resolveSchema(ctx, phase, schema)

	var span core.Span
	if a.telemetry != nil {
		ctx, span = a.telemetry.StartSpan(ctx, "AgentRuntime.ProcessWithValidation")
		span.SetAttribute("agent_id", a.AgentID)
		span.SetAttribute("phase", phase)
		defer span.End()
	}

	if a.metrics != nil {
		_ = a.metrics.RecordMetric(ctx, "agent:"+a.AgentID+":processing_start", 1.0, metadata)
	}
	a.SetAgentState(ctx, AgentProcessing, metadata)

	if a.contexts != nil {
		a.contexts.CreateContext(ctx, a.AgentID, requestID, schema, core.ContextPersistent)
	}

	start := time.Now()
	breaker := a.namedBreaker("agent:" + a.AgentID + ":generate")

	gracePeriod := a.timeouts.CancellationGrace
	if gracePeriod <= 0 {
		gracePeriod = time.Second
	}

	result, err := breaker.ExecuteWithTimeout(ctx, timeout, gracePeriod, func(execCtx context.Context) (interface{}, error) {
		return a.generator.GenerateResponse(execCtx, conversation+"\n\n"+systemPrompt, &core.AIOptions{Model: a.Model})
	})

	duration := time.Since(start)

	if err != nil {
		a.SetAgentState(ctx, AgentError, mergeMeta(metadata, map[string]interface{}{"error": err.Error()}))
		if a.metrics != nil {
			_ = a.metrics.RecordMetric(ctx, "agent:"+a.AgentID+":processing_error", 1.0, metadata)
		}
		if span != nil {
			span.RecordError(err)
		}
		return ProcessResult{Error: err.Error(), RequestID: requestID, Status: "error"}
	}

	response, _ := result.(*core.AIResponse)

	if a.metrics != nil {
		_ = a.metrics.RecordMetric(ctx, "agent:"+a.AgentID+":processing_duration", duration.Seconds(), metadata)
	}

	a.SetAgentState(ctx, AgentComplete, metadata)
	if a.metrics != nil {
		_ = a.metrics.RecordMetric(ctx, "agent:"+a.AgentID+":processing_success", 1.0, metadata)
	}

	var output interface{} = response
	if response != nil {
		output = response.Content
	}
	return ProcessResult{Output: output, RequestID: requestID, Status: "success"}
}

// Reflect calls the generation capability with a reflection prompt, wrapped
// in a named breaker. A breaker-open result is absorbed into a canonical
// rejection, never raised to the caller (spec §4.10).
func (a *AgentRuntime) Reflect(ctx context.Context, output string) ProcessResult {
	return a.breakerGuardedPrompt(ctx, "reflect", fmt.Sprintf("Reflect on this output and identify issues:\n\n%s", output), "reflection rejected")
}

// Refine calls the generation capability with a refinement prompt, wrapped
// in a named breaker. A breaker-open result is absorbed into a canonical
// rejection, never raised to the caller (spec §4.10).
func (a *AgentRuntime) Refine(ctx context.Context, output, guidance string) ProcessResult {
	return a.breakerGuardedPrompt(ctx, "refine", fmt.Sprintf("Refine this output given guidance.\n\nOutput:\n%s\n\nGuidance:\n%s", output, guidance), "refinement rejected")
}

func (a *AgentRuntime) breakerGuardedPrompt(ctx context.Context, kind, prompt, rejectionText string) ProcessResult {
	breaker := a.namedBreaker("agent:" + a.AgentID + ":" + kind)
	if breaker.State() == resilience.StateOpen {
		return ProcessResult{Output: rejectionText, Status: "success"}
	}

	timeout := a.timeouts.DefaultProcessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	grace := a.timeouts.CancellationGrace
	if grace <= 0 {
		grace = time.Second
	}

	result, err := breaker.ExecuteWithTimeout(ctx, timeout, grace, func(execCtx context.Context) (interface{}, error) {
		return a.generator.GenerateResponse(execCtx, prompt, &core.AIOptions{Model: a.Model})
	})
	if err != nil {
		return ProcessResult{Output: rejectionText, Status: "success"}
	}
	response, _ := result.(*core.AIResponse)
	var output interface{} = result
	if response != nil {
		output = response.Content
	}
	return ProcessResult{Output: output, Status: "success"}
}

// resolveSchema consults the shared SchemaCache when the caller didn't
// supply a schema directly, and populates it when they did (map schemas
// only), so replicas of the same agent/phase share one schema. The result
// is recorded on the operation's AgentContext; it is not applied to the
// generated output here.
func (a *AgentRuntime) resolveSchema(ctx context.Context, phase string, schema interface{}) interface{} {
	if a.schemas == nil {
		return schema
	}
	if schema == nil {
		if cached, ok := a.schemas.Get(ctx, a.AgentID, phase); ok {
			return cached
		}
		return nil
	}
	if m, ok := schema.(map[string]interface{}); ok {
		_ = a.schemas.Set(ctx, a.AgentID, phase, m)
	}
	return schema
}

func (a *AgentRuntime) namedBreaker(name string) *resilience.CircuitBreaker {
	if a.breakers != nil {
		return a.breakers.GetOrCreate(name, nil)
	}
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name}, a.bus, a.logger)
}

// ApplyGuidelineUpdate accepts a guideline update and records it in state;
// the decision logic for whether/how to propagate it lives in an external
// collaborator, not this core (spec §4.10: "contract stubs at this layer").
func (a *AgentRuntime) ApplyGuidelineUpdate(ctx context.Context, originAgentID string, propagationContext, updateData map[string]interface{}) GuidelineResult {
	key := "agent:" + a.AgentID + ":guideline:" + originAgentID
	if a.states != nil {
		_, _ = a.states.SetState(ctx, key, updateData, core.ResourceState, propagationContext)
	}
	return GuidelineResult{Success: true, Details: map[string]interface{}{"origin_agent_id": originAgentID}}
}

// VerifyGuidelineUpdate reports whether updateID's application is reflected
// in current state.
func (a *AgentRuntime) VerifyGuidelineUpdate(updateID string) GuidelineResult {
	_, ok := a.states.GetState("agent:" + a.AgentID + ":guideline:" + updateID)
	return GuidelineResult{Verified: ok, Details: map[string]interface{}{"update_id": updateID}}
}

// CheckUpdateReadiness reports whether this agent can accept a guideline
// update right now, based on its current lifecycle state.
func (a *AgentRuntime) CheckUpdateReadiness(originAgentID string, propagationContext map[string]interface{}) GuidelineResult {
	state := a.State()
	ready := state == AgentReady || state == AgentComplete
	return GuidelineResult{Ready: ready, Details: map[string]interface{}{"agent_state": string(state), "origin_agent_id": originAgentID}}
}

// Clarify responds to a clarification question, transitioning through
// CLARIFYING and back to the prior state (spec §4.10, grounded on
// original_source/interfaces/agent/interface.py's clarify()).
func (a *AgentRuntime) Clarify(ctx context.Context, question string) string {
	previous := a.State()
	a.SetAgentState(ctx, AgentClarifying, map[string]interface{}{"question": question})
	defer a.SetAgentState(ctx, previous, nil)

	result := a.breakerGuardedPrompt(ctx, "clarify", "Clarify: "+question, "clarification rejected")
	if s, ok := result.Output.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", result.Output)
}

// CoordinateWithNextAgent runs the Water-Agent-style coordination exchange
// with next, transitioning through COORDINATING and back.
func (a *AgentRuntime) CoordinateWithNextAgent(ctx context.Context, next *AgentRuntime, myOutput, nextOutput string, params map[string]interface{}) (string, string, map[string]interface{}) {
	previous := a.State()
	a.SetAgentState(ctx, AgentCoordinating, map[string]interface{}{"next_agent": next.AgentID})
	defer a.SetAgentState(ctx, previous, nil)

	prompt := fmt.Sprintf("Reconcile these two outputs for consistency.\n\nAgent A (%s):\n%s\n\nAgent B (%s):\n%s", a.AgentID, myOutput, next.AgentID, nextOutput)
	result := a.breakerGuardedPrompt(ctx, "coordinate", prompt, "coordination rejected")
	content, _ := result.Output.(string)
	if content == "" {
		return myOutput, nextOutput, map[string]interface{}{"status": "rejected"}
	}
	return content, content, map[string]interface{}{"status": "reconciled"}
}

func mergeMeta(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
