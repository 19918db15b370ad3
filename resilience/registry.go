package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/agentsubstrate/core"
)

// CircuitBreakerRegistry owns every named breaker in the process (C7). A
// coarser membership lock protects the name->breaker map and the dependency
// adjacency lists; each breaker's own mutations are serialized by its own
// lock (spec §5: "registry-membership lock -> per-breaker lock").
type CircuitBreakerRegistry struct {
	bus        *core.EventBus
	states     *core.StateStore
	logger     core.Logger
	defaultCfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	// parents[child] = set of parent names; tripping a parent cascades to
	// trip every child that depends on it.
	children map[string][]string
	parents  map[string][]string
}

// NewCircuitBreakerRegistry constructs a registry bound to bus/states.
func NewCircuitBreakerRegistry(bus *core.EventBus, states *core.StateStore, defaultCfg CircuitBreakerConfig, logger core.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	return &CircuitBreakerRegistry{
		bus:        bus,
		states:     states,
		logger:     logger,
		defaultCfg: defaultCfg,
		breakers:   make(map[string]*CircuitBreaker),
		children:   make(map[string][]string),
		parents:    make(map[string][]string),
	}
}

// GetOrCreate returns the breaker named name, creating it with cfg (or the
// registry's default config if cfg.Name is empty) if it doesn't exist yet.
// Concurrent calls for the same name return the same instance (spec §4.7,
// tested by scenario S6).
func (r *CircuitBreakerRegistry) GetOrCreate(name string, cfg *CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	effective := r.defaultCfg
	if cfg != nil {
		effective = *cfg
	}
	effective.Name = name

	cb := NewCircuitBreaker(effective, r.bus, r.logger)
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker named name, if it has already been created.
func (r *CircuitBreakerRegistry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// RegisterDependency declares that tripping parent cascades to trip child.
// Cycle detection runs at registration time; a cycle returns InvalidDependency.
func (r *CircuitBreakerRegistry) RegisterDependency(child, parent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if child == parent {
		return &core.FrameworkError{Op: "CircuitBreakerRegistry.RegisterDependency", Kind: string(core.KindConfigurationError), Err: core.ErrInvalidDependency}
	}
	if r.wouldCreateCycle(parent, child) {
		return &core.FrameworkError{Op: "CircuitBreakerRegistry.RegisterDependency", Kind: string(core.KindConfigurationError), Err: core.ErrInvalidDependency}
	}

	r.children[parent] = append(r.children[parent], child)
	r.parents[child] = append(r.parents[child], parent)
	return nil
}

// wouldCreateCycle reports whether adding an edge parent->child would
// create a cycle, i.e. whether child can already reach parent.
func (r *CircuitBreakerRegistry) wouldCreateCycle(parent, child string) bool {
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == parent {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range r.children[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(child)
}

// Trip manually trips name, creating its breaker if it is not registered
// yet, and cascades to every transitive child.
func (r *CircuitBreakerRegistry) Trip(name, reason string) {
	cb := r.GetOrCreate(name, nil)
	r.mu.Lock()
	children := append([]string(nil), r.children[name]...)
	r.mu.Unlock()

	cb.Trip(reason)

	for _, childName := range children {
		childCB := r.GetOrCreate(childName, nil)
		childCB.Trip(fmt.Sprintf("cascaded trip from %s: %s", name, reason))

		r.mu.Lock()
		grandchildren := append([]string(nil), r.children[childName]...)
		r.mu.Unlock()
		for _, gc := range grandchildren {
			r.cascadeTrip(gc, fmt.Sprintf("cascaded trip from %s: %s", childName, reason))
		}
	}
}

func (r *CircuitBreakerRegistry) cascadeTrip(name, reason string) {
	cb := r.GetOrCreate(name, nil)
	cb.Trip(reason)
	r.mu.Lock()
	children := append([]string(nil), r.children[name]...)
	r.mu.Unlock()
	for _, c := range children {
		r.cascadeTrip(c, reason)
	}
}

// TripIfRegistered trips name only if it already exists; used by EventBus
// (as the breakerOpener hook) so backpressure never implicitly creates a
// breaker that was never registered.
func (r *CircuitBreakerRegistry) TripIfRegistered(name, reason string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		cb.Trip(reason)
	}
}

// Reset resets name to CLOSED. Cascaded trips are independent after the
// fact (spec scenario S3): resetting a parent does not reset its children.
func (r *CircuitBreakerRegistry) Reset(name string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
}

type persistedBreakerState struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	FailureThreshold int    `json:"failure_threshold"`
}

// SaveState persists every registered breaker's state as one snapshot under
// the StateStore key "circuitbreaker:registry:"+name.
func (r *CircuitBreakerRegistry) SaveState(ctx context.Context, name string) error {
	r.mu.Lock()
	snapshot := make([]persistedBreakerState, 0, len(r.breakers))
	for n, cb := range r.breakers {
		snapshot = append(snapshot, persistedBreakerState{
			Name:             n,
			State:            cb.State().String(),
			FailureThreshold: cb.config.FailureThreshold,
		})
	}
	r.mu.Unlock()

	_, err := r.states.SetState(ctx, "circuitbreaker:registry:"+name, snapshot, core.ResourceMonitor, nil)
	return err
}

// LoadState restores persisted breaker states, creating breakers only for
// entries that already exist in the registry (spec §4.7: "restoration
// creates breakers only for entries that already exist in the registry").
func (r *CircuitBreakerRegistry) LoadState(name string) error {
	value, ok := r.states.GetState("circuitbreaker:registry:" + name)
	if !ok {
		return nil
	}
	snapshot, ok := value.([]persistedBreakerState)
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range snapshot {
		cb, exists := r.breakers[entry.Name]
		if !exists {
			continue
		}
		if entry.State == StateOpen.String() {
			cb.state.Store(int32(StateOpen))
		}
	}
	return nil
}
