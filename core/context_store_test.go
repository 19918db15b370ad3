package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContextStore(t *testing.T, cfg ContextConfig) *ContextStore {
	cs := NewContextStore(NewStateStore(nil, nil, nil), cfg, nil)
	t.Cleanup(cs.Stop)
	return cs
}

func TestContextStore_CreateContextReturnsExistingOnSecondCall(t *testing.T) {
	cs := newTestContextStore(t, ContextConfig{EphemeralTTL: time.Hour})

	first := cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)
	second := cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)

	assert.Same(t, first, second)
}

func TestContextStore_GetContextUnknownKey(t *testing.T) {
	cs := newTestContextStore(t, ContextConfig{EphemeralTTL: time.Hour})
	_, ok := cs.GetContext("agent-1:op-1")
	assert.False(t, ok)
}

func TestContextStore_RecordValidationIncrementsAttemptsAndHistory(t *testing.T) {
	cs := newTestContextStore(t, ContextConfig{EphemeralTTL: time.Hour})
	ac := cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)

	ac.RecordValidation(false, "schema mismatch", 10*time.Millisecond)
	ac.RecordValidation(true, "", 5*time.Millisecond)

	assert.Equal(t, 2, ac.ValidationAttempts())
	history := ac.ValidationHistory()
	require.Len(t, history, 2)
	assert.False(t, history[0].Success)
	assert.True(t, history[1].Success)
}

func TestContextStore_RecordRefinementIterationsAreDenseAndMonotonic(t *testing.T) {
	cs := newTestContextStore(t, ContextConfig{EphemeralTTL: time.Hour})
	ac := cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)

	r1 := ac.RecordRefinement("out-1", "refined-1", "guidance-1")
	r2 := ac.RecordRefinement("out-2", "refined-2", "guidance-2")

	assert.Equal(t, 1, r1.Iteration)
	assert.Equal(t, 2, r2.Iteration)

	history := ac.RefinementHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "agent-1", history[0].AgentID)
}

func TestContextStore_DiscardContextRemovesIt(t *testing.T) {
	cs := newTestContextStore(t, ContextConfig{EphemeralTTL: time.Hour})
	cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)

	cs.DiscardContext("agent-1:op-1")

	_, ok := cs.GetContext("agent-1:op-1")
	assert.False(t, ok)
}

func TestContextStore_EphemeralContextsAreReapedAfterTTL(t *testing.T) {
	cs := NewContextStore(NewStateStore(nil, nil, nil), ContextConfig{EphemeralTTL: 20 * time.Millisecond}, nil)
	defer cs.Stop()

	cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextEphemeral)

	require.Eventually(t, func() bool {
		_, ok := cs.GetContext("agent-1:op-1")
		return !ok
	}, time.Second, 10*time.Millisecond, "expected ephemeral context to be reaped after TTL")
}

func TestContextStore_PersistentContextIsNotReaped(t *testing.T) {
	cs := NewContextStore(NewStateStore(nil, nil, nil), ContextConfig{EphemeralTTL: 20 * time.Millisecond}, nil)
	defer cs.Stop()

	cs.CreateContext(context.Background(), "agent-1", "op-1", nil, ContextPersistent)

	time.Sleep(100 * time.Millisecond)

	_, ok := cs.GetContext("agent-1:op-1")
	assert.True(t, ok)
}
