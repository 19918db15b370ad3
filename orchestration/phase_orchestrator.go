package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/agentsubstrate/core"
)

// OrchestratorMetrics is the running summary GetMetrics exposes, grounded
// on the teacher AIOrchestrator's GetMetrics/updateMetrics bookkeeping in
// orchestrator.go.
type OrchestratorMetrics struct {
	TotalRuns          int64
	SuccessfulRuns     int64
	FailedRuns         int64
	RefinementAttempts int64
	TotalDuration      time.Duration
}

// Run is a single end-to-end invocation record kept for GetExecutionHistory.
type Run struct {
	PhaseID   string
	Request   string
	Result    PipelineResult
	StartedAt time.Time
	Duration  time.Duration
}

// RefinementPolicy decides, given a failed PipelineResult, whether the
// orchestrator should re-enter the pipeline at an upstream stage with a
// refined input, and if so supplies that input. Returning ok=false ends
// the run as a failure.
type RefinementPolicy func(result PipelineResult) (stage string, refinedInput string, ok bool)

// PhaseOrchestrator is the thin shell (C13) that sequences a phase's
// pipeline agents end to end: it opens a phase via PhaseCoordinator,
// drives a ReflectivePipeline to completion (re-entering on failure per a
// RefinementPolicy up to a bounded number of attempts), records metrics
// through core.MetricsStore, and keeps a bounded run history — the
// "sequences pipeline agents, gathers metrics, drives refinement attempts"
// role spec §2's component overview assigns it. It holds no planning or
// prompt-building logic of its own; that belongs to the caller supplying
// stages, mirroring how the teacher's AIOrchestrator separates planning
// (PromptBuilder) from execution (ExecutePlan).
type PhaseOrchestrator struct {
	phases  *PhaseCoordinator
	metrics *core.MetricsStore
	logger  core.Logger

	maxRefinementAttempts int
	historyLimit          int

	mu      sync.Mutex
	runs    OrchestratorMetrics
	history []Run
}

// NewPhaseOrchestrator constructs a PhaseOrchestrator bound to a
// PhaseCoordinator and MetricsStore.
func NewPhaseOrchestrator(phases *PhaseCoordinator, metrics *core.MetricsStore, logger core.Logger) *PhaseOrchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/orchestration")
	}
	return &PhaseOrchestrator{
		phases:                phases,
		metrics:               metrics,
		logger:                logger,
		maxRefinementAttempts: 3,
		historyLimit:          100,
	}
}

// SetMaxRefinementAttempts overrides the default of 3 orchestrator-driven
// re-entries before a run is given up on as failed.
func (o *PhaseOrchestrator) SetMaxRefinementAttempts(n int) {
	o.maxRefinementAttempts = n
}

// ProcessRequest initializes a phase, runs the given stages through a
// ReflectivePipeline, and applies policy to any failure until the pipeline
// completes or maxRefinementAttempts is exhausted.
func (o *PhaseOrchestrator) ProcessRequest(ctx context.Context, request string, phaseType PhaseType, stages []Stage, pipelineCfg ReflectivePipelineConfig, policy RefinementPolicy) (PipelineResult, error) {
	start := time.Now()

	phaseID, err := o.phases.InitializePhase(phaseType, map[string]interface{}{"request": request}, "")
	if err != nil {
		return PipelineResult{}, fmt.Errorf("orchestrator: initialize phase: %w", err)
	}
	if err := o.phases.StartPhase(phaseID, request); err != nil {
		return PipelineResult{}, fmt.Errorf("orchestrator: start phase: %w", err)
	}

	pipeline := NewReflectivePipeline(phaseID, o.phases.states, o.phases.bus, o.logger, pipelineCfg)

	result := pipeline.Run(ctx, stages, 0, request, nil)
	attempts := 0
	for !result.Completed && policy != nil && attempts < o.maxRefinementAttempts {
		stageName, refined, ok := policy(result)
		if !ok {
			break
		}
		attempts++
		o.recordRefinement()

		startIdx := indexOfStage(stages, stageName)
		if startIdx < 0 {
			break
		}
		priorOutput := outputBefore(result, startIdx)
		result = pipeline.Run(ctx, stages, startIdx, priorOutput, map[string]string{stageName: refined})
	}

	duration := time.Since(start)
	o.recordOutcome(result.Completed, duration)

	if result.Completed {
		_ = o.phases.CompletePhase(phaseID, result.Outcomes[len(result.Outcomes)-1].Output)
	} else {
		_ = o.phases.AbortPhase(phaseID, "pipeline did not complete: "+result.FailedStage, false)
	}

	if o.metrics != nil {
		status := "success"
		if !result.Completed {
			status = "failure"
		}
		_ = o.metrics.RecordMetric(ctx, "orchestrator.run_duration_seconds", duration.Seconds(), map[string]interface{}{"status": status})
		_ = o.metrics.RecordMetric(ctx, "orchestrator.runs_total", 1, map[string]interface{}{"status": status})
	}

	o.addToHistory(Run{PhaseID: phaseID, Request: request, Result: result, StartedAt: start, Duration: duration})

	if !result.Completed {
		return result, fmt.Errorf("orchestrator: pipeline failed at stage %q", result.FailedStage)
	}
	return result, nil
}

func indexOfStage(stages []Stage, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func outputBefore(result PipelineResult, idx int) string {
	if idx == 0 || idx > len(result.Outcomes) {
		return ""
	}
	return result.Outcomes[idx-1].Output
}

func (o *PhaseOrchestrator) recordRefinement() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs.RefinementAttempts++
}

func (o *PhaseOrchestrator) recordOutcome(success bool, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs.TotalRuns++
	o.runs.TotalDuration += duration
	if success {
		o.runs.SuccessfulRuns++
	} else {
		o.runs.FailedRuns++
	}
}

func (o *PhaseOrchestrator) addToHistory(r Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, r)
	if len(o.history) > o.historyLimit {
		o.history = o.history[len(o.history)-o.historyLimit:]
	}
}

// GetMetrics returns a snapshot of this orchestrator's running totals.
func (o *PhaseOrchestrator) GetMetrics() OrchestratorMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs
}

// GetExecutionHistory returns the bounded recent-run history.
func (o *PhaseOrchestrator) GetExecutionHistory() []Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Run, len(o.history))
	copy(out, o.history)
	return out
}
