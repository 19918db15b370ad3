package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/itsneelabh/agentsubstrate/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAIClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (f *fakeAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	content := "ok"
	if len(f.responses) > 0 {
		content = f.responses[0]
	}
	return &core.AIResponse{Content: content, Model: options.Model}, nil
}

type fakeSpan struct {
	ended      bool
	attributes map[string]interface{}
	recordedErr error
}

func (s *fakeSpan) End()                                   { s.ended = true }
func (s *fakeSpan) SetAttribute(key string, value interface{}) { s.attributes[key] = value }
func (s *fakeSpan) RecordError(err error)                  { s.recordedErr = err }

type fakeTelemetry struct {
	mu    sync.Mutex
	spans []*fakeSpan
}

func (f *fakeTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	f.mu.Lock()
	defer f.mu.Unlock()
	span := &fakeSpan{attributes: make(map[string]interface{})}
	f.spans = append(f.spans, span)
	return ctx, span
}

func (f *fakeTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

type fakeSchemaCache struct {
	mu      sync.Mutex
	entries map[string]map[string]interface{}
}

func newFakeSchemaCache() *fakeSchemaCache {
	return &fakeSchemaCache{entries: make(map[string]map[string]interface{})}
}

func (f *fakeSchemaCache) Get(ctx context.Context, toolName, capabilityName string) (map[string]interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[toolName+":"+capabilityName]
	return v, ok
}

func (f *fakeSchemaCache) Set(ctx context.Context, toolName, capabilityName string, schema map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[toolName+":"+capabilityName] = schema
	return nil
}

func (f *fakeSchemaCache) Stats() map[string]interface{} { return nil }

func newTestRuntime(t *testing.T, gen core.AIClient) *AgentRuntime {
	t.Helper()
	return NewAgentRuntime("agent-1", "test-model", AgentRuntimeDeps{
		Generator: gen,
		States:    core.NewStateStore(nil, nil, nil),
		Metrics:   core.NewMetricsStore(core.NewStateStore(nil, nil, nil), nil),
	})
}

func TestAgentRuntime_StartsInReadyState(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{})
	assert.Equal(t, AgentReady, rt.State())
}

func TestAgentRuntime_ProcessWithValidationSucceeds(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{responses: []string{"result"}})
	result := rt.ProcessWithValidation(context.Background(), "do thing", "", nil, "phase-1", "", nil, time.Second)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "result", result.Output)
	assert.Equal(t, AgentComplete, rt.State())
}

func TestAgentRuntime_ProcessWithValidationGeneratesRequestIDWhenMissing(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{})
	result := rt.ProcessWithValidation(context.Background(), "do thing", "", nil, "phase-1", "", nil, time.Second)
	assert.NotEmpty(t, result.RequestID)
}

func TestAgentRuntime_ProcessWithValidationErrorTransitionsToError(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{err: errors.New("boom")})
	result := rt.ProcessWithValidation(context.Background(), "do thing", "", nil, "phase-1", "", nil, time.Second)

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, AgentError, rt.State())
}

func TestAgentRuntime_ReflectReturnsRejectionWhenBreakerOpen(t *testing.T) {
	breakers := resilience.NewCircuitBreakerRegistry(nil, core.NewStateStore(nil, nil, nil), resilience.CircuitBreakerConfig{FailureThreshold: 1}, nil)
	rt := NewAgentRuntime("agent-2", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{},
		Breakers:  breakers,
	})
	breakers.Trip("agent:agent-2:reflect", "forced open for test")

	result := rt.Reflect(context.Background(), "some output")
	assert.Equal(t, "reflection rejected", result.Output)
	assert.Equal(t, "success", result.Status)
}

func TestAgentRuntime_RefineReturnsGeneratedContentWhenBreakerClosed(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{responses: []string{"refined output"}})
	result := rt.Refine(context.Background(), "original", "make it better")
	assert.Equal(t, "refined output", result.Output)
}

func TestAgentRuntime_ClarifyReturnsToPriorStateAfterCompletion(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{responses: []string{"clarified"}})
	rt.SetAgentState(context.Background(), AgentComplete, nil)

	answer := rt.Clarify(context.Background(), "what did you mean?")

	assert.Equal(t, "clarified", answer)
	assert.Equal(t, AgentComplete, rt.State())
}

func TestAgentRuntime_CheckUpdateReadinessTrueWhenReadyOrComplete(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{})
	result := rt.CheckUpdateReadiness("origin-agent", nil)
	assert.True(t, result.Ready)

	rt.SetAgentState(context.Background(), AgentProcessing, nil)
	result = rt.CheckUpdateReadiness("origin-agent", nil)
	assert.False(t, result.Ready)
}

func TestAgentRuntime_ApplyGuidelineUpdateThenVerifySucceeds(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{})
	result := rt.ApplyGuidelineUpdate(context.Background(), "origin-agent", nil, map[string]interface{}{"rule": "be nice"})
	require.True(t, result.Success)

	verify := rt.VerifyGuidelineUpdate("origin-agent")
	assert.True(t, verify.Verified)
}

func TestAgentRuntime_ProcessWithValidationWrapsSpanAroundGeneration(t *testing.T) {
	telemetry := &fakeTelemetry{}
	rt := NewAgentRuntime("agent-3", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{responses: []string{"result"}},
		States:    core.NewStateStore(nil, nil, nil),
		Telemetry: telemetry,
	})

	rt.ProcessWithValidation(context.Background(), "do thing", "", nil, "phase-1", "", nil, time.Second)

	require.Len(t, telemetry.spans, 1)
	assert.True(t, telemetry.spans[0].ended)
	assert.Equal(t, "agent-3", telemetry.spans[0].attributes["agent_id"])
}

func TestAgentRuntime_ProcessWithValidationRecordsErrorOnSpan(t *testing.T) {
	telemetry := &fakeTelemetry{}
	rt := NewAgentRuntime("agent-4", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{err: errors.New("boom")},
		States:    core.NewStateStore(nil, nil, nil),
		Telemetry: telemetry,
	})

	rt.ProcessWithValidation(context.Background(), "do thing", "", nil, "phase-1", "", nil, time.Second)

	require.Len(t, telemetry.spans, 1)
	require.Error(t, telemetry.spans[0].recordedErr)
}

func TestAgentRuntime_ProcessWithValidationCachesExplicitSchema(t *testing.T) {
	schemas := newFakeSchemaCache()
	rt := NewAgentRuntime("agent-5", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{responses: []string{"result"}},
		States:    core.NewStateStore(nil, nil, nil),
		Schemas:   schemas,
	})

	schema := map[string]interface{}{"type": "object"}
	rt.ProcessWithValidation(context.Background(), "do thing", "", schema, "phase-1", "", nil, time.Second)

	cached, ok := schemas.Get(context.Background(), "agent-5", "phase-1")
	require.True(t, ok)
	assert.Equal(t, schema, cached)
}

func TestAgentRuntime_ProcessWithValidationResolvesSchemaFromCacheWhenOmitted(t *testing.T) {
	schemas := newFakeSchemaCache()
	schema := map[string]interface{}{"type": "object", "required": []string{"answer"}}
	require.NoError(t, schemas.Set(context.Background(), "agent-6", "phase-1", schema))

	rt := NewAgentRuntime("agent-6", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{responses: []string{"result"}},
		States:    core.NewStateStore(nil, nil, nil),
		Schemas:   schemas,
	})

	resolved := rt.resolveSchema(context.Background(), "phase-1", nil)
	assert.Equal(t, schema, resolved)
}

func TestAgentRuntime_ResolveSchemaReturnsNilWhenNeverCached(t *testing.T) {
	rt := NewAgentRuntime("agent-7", "test-model", AgentRuntimeDeps{
		Generator: &fakeAIClient{},
		States:    core.NewStateStore(nil, nil, nil),
		Schemas:   newFakeSchemaCache(),
	})

	resolved := rt.resolveSchema(context.Background(), "phase-unseen", nil)
	assert.Nil(t, resolved)
}

func TestAgentRuntime_ResolveSchemaPassesThroughWhenNoCacheConfigured(t *testing.T) {
	rt := newTestRuntime(t, &fakeAIClient{})
	schema := map[string]interface{}{"type": "string"}
	assert.Equal(t, schema, rt.resolveSchema(context.Background(), "phase-1", schema))
	assert.Nil(t, rt.resolveSchema(context.Background(), "phase-1", nil))
}

func TestAgentRuntime_CoordinateWithNextAgentReconciles(t *testing.T) {
	rt1 := newTestRuntime(t, &fakeAIClient{responses: []string{"reconciled text"}})
	rt2 := newTestRuntime(t, &fakeAIClient{responses: []string{"reconciled text"}})

	outA, outB, meta := rt1.CoordinateWithNextAgent(context.Background(), rt2, "output A", "output B", nil)
	assert.Equal(t, "reconciled text", outA)
	assert.Equal(t, "reconciled text", outB)
	assert.Equal(t, "reconciled", meta["status"])
	assert.Equal(t, AgentReady, rt1.State())
}
