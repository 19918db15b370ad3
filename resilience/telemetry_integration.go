package resilience

import (
	"context"
	"strings"

	"github.com/itsneelabh/agentsubstrate/core"
)

// wireOTelMetrics attaches an OTelMetricsCollector to cb: a state-change
// listener records transitions and an observable gauge reports the current
// state, so a breaker created through CreateCircuitBreaker shows up in the
// same OTel pipeline as the rest of the substrate without its caller having
// to know telemetry exists.
func wireOTelMetrics(cb *CircuitBreaker) {
	collector := NewOTelMetricsCollector(context.Background())

	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		collector.RecordStateChange(name, strings.ToLower(from.String()), strings.ToLower(to.String()))
	})

	_ = collector.RegisterStateGauge(cb.Name(), func() string {
		return strings.ToLower(cb.State().String())
	})
}

// ExecuteWithMetrics runs operation through cb, recording a success or
// failure counter via collector in addition to cb's own state tracking.
// Useful when a caller wants per-call counters beyond the state-transition
// gauge wireOTelMetrics already registers.
func ExecuteWithMetrics(ctx context.Context, cb *CircuitBreaker, collector *OTelMetricsCollector, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := cb.Execute(ctx, operation)
	if err != nil {
		collector.RecordFailure(cb.Name(), classifyError(err))
	} else {
		collector.RecordSuccess(cb.Name())
	}
	return result, err
}

func classifyError(err error) string {
	if core.IsCircuitOpen(err) {
		return "circuit_open"
	}
	return "operation_failed"
}
