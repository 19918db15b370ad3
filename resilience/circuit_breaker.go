// Package resilience implements the reliability layer of the substrate:
// circuit breakers with dependency cascading, health aggregation, and the
// periodic system monitor sweep (C7-C9).
package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/agentsubstrate/core"
)

// CircuitState is one of the three states a breaker can be in (spec §3/4.7).
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures one named breaker (spec §3).
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	FailureWindow    time.Duration
	HalfOpenMaxTries int
}

// ReliabilityMetrics is the small observability aggregate recovered from
// original_source/resources/monitoring.py (SPEC_FULL.md §12.5), supplementing
// the bare state/failure_count spec.md specifies.
type ReliabilityMetrics struct {
	TripCount          int64
	HalfOpenTrials     int64
	CurrentFailureRate float64
}

type failureRecord struct {
	at time.Time
}

// StateChangeListener is notified on every breaker transition.
type StateChangeListener func(name string, from, to CircuitState)

// CircuitBreaker is a named reliability gate (C7, per-breaker piece). All
// mutations to a single breaker are serialized by mu; the registry holding
// many breakers uses a coarser membership lock (see registry.go), per the
// fixed lock order in spec §5.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger core.Logger
	bus    *core.EventBus

	mu               sync.Mutex
	state            atomic.Int32
	stateChangedAt   atomic.Value // time.Time
	failures         []failureRecord
	halfOpenInFlight int32
	tripCount        int64
	halfOpenTrials   int64

	listeners []StateChangeListener

	forced bool
}

// NewCircuitBreaker constructs a CLOSED breaker with cfg, defaulting any
// zero-valued field.
func NewCircuitBreaker(cfg CircuitBreakerConfig, bus *core.EventBus, logger core.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.HalfOpenMaxTries <= 0 {
		cfg.HalfOpenMaxTries = 3
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	cb := &CircuitBreaker{name: cfg.Name, config: cfg, logger: logger, bus: bus}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now())
	return cb
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Name returns the breaker's registered name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// FailureCount returns the number of failures currently counted within the
// trailing failure_window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.failures)
}

// Metrics returns the breaker's observability aggregate.
func (cb *CircuitBreaker) Metrics() ReliabilityMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	rate := 0.0
	if cb.config.FailureThreshold > 0 {
		rate = float64(len(cb.failures)) / float64(cb.config.FailureThreshold)
	}
	return ReliabilityMetrics{
		TripCount:          atomic.LoadInt64(&cb.tripCount),
		HalfOpenTrials:     atomic.LoadInt64(&cb.halfOpenTrials),
		CurrentFailureRate: rate,
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(l StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Execute runs operation if the breaker permits it. In CLOSED it always
// runs; in OPEN it fails immediately with CircuitOpen; in HALF_OPEN it
// permits up to HalfOpenMaxTries concurrent trials.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeExecute(); err != nil {
		return nil, err
	}
	result, err := operation(ctx)
	cb.afterExecute(err)
	return result, err
}

// ExecuteWithTimeout runs operation on its own goroutine and enforces
// timeout; on timeout it signals cancellation via ctx, waits up to
// cancellationGrace for cooperative shutdown, then detaches — the task's
// eventual completion is a silent no-op (spec §5).
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout, cancellationGrace time.Duration, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeExecute(); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case done <- outcome{nil, &core.FrameworkError{
					Op: "CircuitBreaker.Execute", Kind: string(core.KindFatalInternal),
					ID: cb.name, Err: fmt.Errorf("panic: %v", r),
				}}:
				default:
				}
			}
		}()
		res, err := operation(execCtx)
		// best-effort send; if the caller already timed out and detached,
		// this send either lands in the buffered channel (never read again)
		// or is simply dropped as a no-op.
		select {
		case done <- outcome{res, err}:
		default:
		}
	}()

	select {
	case o := <-done:
		cb.afterExecute(o.err)
		return o.result, o.err
	case <-execCtx.Done():
		grace := time.NewTimer(cancellationGrace)
		defer grace.Stop()
		select {
		case o := <-done:
			cb.afterExecute(o.err)
			return o.result, o.err
		case <-grace.C:
			timeoutErr := &core.FrameworkError{
				Op: "CircuitBreaker.ExecuteWithTimeout", Kind: string(core.KindTimeout),
				ID: cb.name, Err: core.ErrTimeout,
			}
			cb.afterExecute(timeoutErr)
			return nil, timeoutErr
		}
	}
}

func (cb *CircuitBreaker) beforeExecute() error {
	switch cb.State() {
	case StateOpen:
		cb.mu.Lock()
		changedAt, _ := cb.stateChangedAt.Load().(time.Time)
		forced := cb.forced
		cb.mu.Unlock()
		ready := !forced && time.Since(changedAt) >= cb.config.RecoveryTimeout
		if !ready {
			return &core.FrameworkError{Op: "CircuitBreaker.Execute", Kind: string(core.KindCircuitOpen), ID: cb.name, Err: core.ErrCircuitOpen}
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if atomic.AddInt32(&cb.halfOpenInFlight, 1) > int32(cb.config.HalfOpenMaxTries) {
			atomic.AddInt32(&cb.halfOpenInFlight, -1)
			return &core.FrameworkError{Op: "CircuitBreaker.Execute", Kind: string(core.KindCircuitOpen), ID: cb.name, Err: core.ErrCircuitOpen}
		}
		atomic.AddInt64(&cb.halfOpenTrials, 1)
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterExecute(err error) {
	wasHalfOpen := cb.State() == StateHalfOpen
	if wasHalfOpen {
		atomic.AddInt32(&cb.halfOpenInFlight, -1)
	}

	if err == nil {
		if wasHalfOpen {
			cb.transition(StateClosed)
			cb.mu.Lock()
			cb.failures = nil
			cb.mu.Unlock()
		}
		return
	}

	if wasHalfOpen {
		cb.transition(StateOpen)
		return
	}

	cb.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, f := range cb.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, failureRecord{at: now})
	cb.failures = kept
	shouldTrip := len(cb.failures) >= cb.config.FailureThreshold
	cb.mu.Unlock()

	if shouldTrip && cb.State() == StateClosed {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := CircuitState(cb.state.Swap(int32(to)))
	if from == to {
		return
	}
	cb.stateChangedAt.Store(time.Now())
	if to == StateOpen {
		atomic.AddInt64(&cb.tripCount, 1)
	}

	cb.mu.Lock()
	listeners := append([]StateChangeListener(nil), cb.listeners...)
	cb.mu.Unlock()
	for _, l := range listeners {
		l(cb.name, from, to)
	}

	cb.logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.name, "from": from.String(), "to": to.String(),
	})
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("circuit_breaker.transitions", "name", cb.name, "to", to.String())
	}
	if cb.bus != nil {
		_ = cb.bus.Emit(context.Background(), core.EventCircuitBreakerStateChanged, map[string]interface{}{
			"name": cb.name, "from": from.String(), "to": to.String(),
		}, core.PriorityHigh)
	}
}

// Trip manually forces the breaker OPEN regardless of its failure counter.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	cb.forced = true
	cb.mu.Unlock()
	cb.transition(StateOpen)
	cb.logger.Warn("circuit breaker manually tripped", map[string]interface{}{"name": cb.name, "reason": reason})
}

// Reset manually returns the breaker to CLOSED with zero failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.forced = false
	cb.failures = nil
	cb.mu.Unlock()
	cb.transition(StateClosed)
}
