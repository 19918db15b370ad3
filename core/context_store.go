package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ContextType determines an AgentContext's lifecycle (spec §3).
type ContextType string

const (
	ContextPersistent ContextType = "PERSISTENT"
	ContextEphemeral  ContextType = "EPHEMERAL"
)

// ValidationRecord captures one validation attempt against an AgentContext.
type ValidationRecord struct {
	Timestamp     time.Time
	Success       bool
	ErrorAnalysis string
	Duration      time.Duration
}

// RefinementRecord captures one refinement iteration. Iteration is dense
// and monotonic per agent_id (spec §3 invariant).
type RefinementRecord struct {
	Iteration          int
	AgentID            string
	OriginalOutput     interface{}
	RefinedOutput      interface{}
	RefinementGuidance interface{}
	Timestamp          time.Time
}

// AgentContext is the per-operation record owned exclusively by
// ContextStore; callers receive a handle and mutate it only through
// ContextStore/the helper methods below, which take the context's own
// mutex (per spec §5's lock order: ContextStore map lock -> per-context lock).
type AgentContext struct {
	AgentID            string
	OperationID        string
	ContextType        ContextType
	Schema             interface{}
	CreatedAt          time.Time

	mu                 sync.Mutex
	validationAttempts int
	validationHistory  []ValidationRecord
	refinementHistory  []RefinementRecord
}

// ValidationAttempts returns the current attempt counter.
func (a *AgentContext) ValidationAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validationAttempts
}

// ValidationHistory returns a copy of the recorded validation attempts.
func (a *AgentContext) ValidationHistory() []ValidationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ValidationRecord, len(a.validationHistory))
	copy(out, a.validationHistory)
	return out
}

// RefinementHistory returns a copy of the recorded refinement iterations.
func (a *AgentContext) RefinementHistory() []RefinementRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RefinementRecord, len(a.refinementHistory))
	copy(out, a.refinementHistory)
	return out
}

// RecordValidation appends a validation attempt and bumps the counter.
func (a *AgentContext) RecordValidation(success bool, errorAnalysis string, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validationAttempts++
	a.validationHistory = append(a.validationHistory, ValidationRecord{
		Timestamp:     time.Now(),
		Success:       success,
		ErrorAnalysis: errorAnalysis,
		Duration:      duration,
	})
}

// RecordRefinement appends a refinement record with the next dense,
// monotonic iteration number for this agent.
func (a *AgentContext) RecordRefinement(original, refined, guidance interface{}) RefinementRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := RefinementRecord{
		Iteration:          len(a.refinementHistory) + 1,
		AgentID:            a.AgentID,
		OriginalOutput:     original,
		RefinedOutput:      refined,
		RefinementGuidance: guidance,
		Timestamp:          time.Now(),
	}
	a.refinementHistory = append(a.refinementHistory, rec)
	return rec
}

// ContextStore owns every AgentContext (C5), exclusively. TTL for EPHEMERAL
// contexts defaults to ContextConfig.EphemeralTTL (spec §9.3 resolution).
type ContextStore struct {
	states *StateStore
	cfg    ContextConfig
	logger Logger

	mu       sync.RWMutex
	contexts map[string]*AgentContext

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewContextStore constructs a ContextStore and starts its EPHEMERAL reaper.
func NewContextStore(states *StateStore, cfg ContextConfig, logger Logger) *ContextStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/context")
	}
	cs := &ContextStore{
		states:   states,
		cfg:      cfg,
		logger:   logger,
		contexts: make(map[string]*AgentContext),
		stopCh:   make(chan struct{}),
	}
	go cs.reapLoop()
	return cs
}

func contextKey(agentID, operationID string) string {
	return fmt.Sprintf("%s:%s", agentID, operationID)
}

// CreateContext creates (or returns, if already present) the AgentContext
// for agentID+operationID, keyed identically to get_context/store_context.
func (cs *ContextStore) CreateContext(ctx context.Context, agentID, operationID string, schema interface{}, contextType ContextType) *AgentContext {
	key := contextKey(agentID, operationID)

	cs.mu.Lock()
	if existing, ok := cs.contexts[key]; ok {
		cs.mu.Unlock()
		return existing
	}
	ac := &AgentContext{
		AgentID:     agentID,
		OperationID: operationID,
		ContextType: contextType,
		Schema:      schema,
		CreatedAt:   time.Now(),
	}
	cs.contexts[key] = ac
	cs.mu.Unlock()

	_, _ = cs.states.SetState(ctx, "context:"+key, schema, ResourceContext, map[string]interface{}{
		"agent_id":     agentID,
		"operation_id": operationID,
		"context_type": string(contextType),
	})

	if cs.states.bus != nil {
		_ = cs.states.bus.Emit(ctx, EventContextCreated, map[string]interface{}{
			"agent_id":     agentID,
			"operation_id": operationID,
			"context_type": string(contextType),
		}, PriorityNormal)
	}
	return ac
}

// GetContext returns the AgentContext for key (agentID:operationID), if any.
func (cs *ContextStore) GetContext(key string) (*AgentContext, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ac, ok := cs.contexts[key]
	return ac, ok
}

// StoreContext records the current state of ac back to StateStore. Callers
// invoke this after mutating ac via RecordValidation/RecordRefinement.
func (cs *ContextStore) StoreContext(ctx context.Context, key string, ac *AgentContext) {
	_, _ = cs.states.SetState(ctx, "context:"+key, ac.Schema, ResourceContext, map[string]interface{}{
		"agent_id":            ac.AgentID,
		"operation_id":        ac.OperationID,
		"context_type":        string(ac.ContextType),
		"validation_attempts": ac.ValidationAttempts(),
	})
}

// DiscardContext explicitly removes a PERSISTENT context before its natural
// end of life, or an EPHEMERAL one ahead of its TTL.
func (cs *ContextStore) DiscardContext(key string) {
	cs.mu.Lock()
	delete(cs.contexts, key)
	cs.mu.Unlock()
}

func (cs *ContextStore) reapLoop() {
	ttl := cs.cfg.EphemeralTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	interval := ttl / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cs.reapExpired(ttl)
		case <-cs.stopCh:
			return
		}
	}
}

func (cs *ContextStore) reapExpired(ttl time.Duration) {
	now := time.Now()
	var expired []string
	cs.mu.RLock()
	for key, ac := range cs.contexts {
		if ac.ContextType == ContextEphemeral && now.Sub(ac.CreatedAt) > ttl {
			expired = append(expired, key)
		}
	}
	cs.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	cs.mu.Lock()
	for _, key := range expired {
		delete(cs.contexts, key)
	}
	cs.mu.Unlock()
	cs.logger.Debug("reaped expired ephemeral contexts", map[string]interface{}{"count": len(expired)})
}

// Stop terminates the background TTL reaper. Idempotent.
func (cs *ContextStore) Stop() {
	cs.stopOnce.Do(func() {
		close(cs.stopCh)
	})
}
