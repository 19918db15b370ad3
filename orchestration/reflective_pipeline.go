package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/agentsubstrate/ai"
	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/itsneelabh/agentsubstrate/resilience"
)

// InputSelector derives a stage's prompt from the pipeline's running state:
// the prior stage's output, and any refined input an orchestrator supplied
// on re-entry (spec §4.12's "refinement loop").
type InputSelector func(priorOutput string, refinedInput string) string

// Stage pairs an AgentRuntime with the selector that builds its prompt.
type Stage struct {
	Name     string
	Agent    *ai.AgentRuntime
	Select   InputSelector
	Schema   interface{}
}

// StageOutcome records one stage's result within a PipelineResult.
type StageOutcome struct {
	Stage    string
	Output   string
	Attempts int
	Err      error
}

// PipelineResult is ReflectivePipeline's standard failure/success
// descriptor (spec §4.12).
type PipelineResult struct {
	PhaseID     string
	Completed   bool
	FailedStage string
	Outcomes    []StageOutcome
}

// ReflectivePipelineConfig bounds per-stage retry behavior.
type ReflectivePipelineConfig struct {
	MaxRetries   int
	MaxBackoff   time.Duration
	StageTimeout time.Duration
}

// DefaultReflectivePipelineConfig returns spec §4.12's defaults.
func DefaultReflectivePipelineConfig() ReflectivePipelineConfig {
	return ReflectivePipelineConfig{
		MaxRetries:   3,
		MaxBackoff:   10 * time.Second,
		StageTimeout: 30 * time.Second,
	}
}

// ReflectivePipeline is a generic sequential executor over AgentRuntime
// stages (C12), used by orchestrators to drive a multi-agent
// process/reflect/refine chain.
type ReflectivePipeline struct {
	phaseID string
	states  *core.StateStore
	bus     *core.EventBus
	logger  core.Logger
	cfg     ReflectivePipelineConfig
}

// NewReflectivePipeline constructs a pipeline bound to phaseID, whose stage
// outputs are stored under the conventional `phase:<id>:<stage>:output` key.
func NewReflectivePipeline(phaseID string, states *core.StateStore, bus *core.EventBus, logger core.Logger, cfg ReflectivePipelineConfig) *ReflectivePipeline {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/orchestration")
	}
	if cfg.MaxRetries <= 0 {
		cfg = DefaultReflectivePipelineConfig()
	}
	return &ReflectivePipeline{phaseID: phaseID, states: states, bus: bus, logger: logger, cfg: cfg}
}

func (p *ReflectivePipeline) outputKey(stageName string) string {
	return fmt.Sprintf("phase:%s:%s:output", p.phaseID, stageName)
}

// Run executes stages in order starting from startIndex with priorOutput as
// the running output and refinedInputs keyed by stage name for any upstream
// stage the orchestrator wants re-entered with a refined prompt.
func (p *ReflectivePipeline) Run(ctx context.Context, stages []Stage, startIndex int, priorOutput string, refinedInputs map[string]string) PipelineResult {
	result := PipelineResult{PhaseID: p.phaseID}
	output := priorOutput

	for i := startIndex; i < len(stages); i++ {
		stage := stages[i]
		p.emit(ctx, core.EventStageStarted, stage.Name, nil)

		refined := refinedInputs[stage.Name]
		prompt := stage.Select(output, refined)

		outcome, err := p.runStageWithRetry(ctx, stage, prompt)
		result.Outcomes = append(result.Outcomes, outcome)

		if err != nil {
			result.FailedStage = stage.Name
			p.emit(ctx, core.EventStageFailed, stage.Name, map[string]interface{}{"error": err.Error()})
			return result
		}

		output = outcome.Output
		if p.states != nil {
			_, _ = p.states.SetState(ctx, p.outputKey(stage.Name), output, core.ResourceState, map[string]interface{}{"attempts": outcome.Attempts})
		}
		p.emit(ctx, core.EventStageCompleted, stage.Name, map[string]interface{}{"attempts": outcome.Attempts})
	}

	result.Completed = true
	p.emit(ctx, core.EventPipelineCompleted, "", map[string]interface{}{"stage_count": len(stages)})
	return result
}

// runStageWithRetry retries a single stage up to cfg.MaxRetries times with
// exponential backoff capped at cfg.MaxBackoff, each attempt bounded by
// cfg.StageTimeout (spec §4.12).
func (p *ReflectivePipeline) runStageWithRetry(ctx context.Context, stage Stage, prompt string) (StageOutcome, error) {
	outcome := StageOutcome{Stage: stage.Name}
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   p.cfg.MaxRetries,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      p.cfg.MaxBackoff,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}

	err := resilience.Retry(ctx, retryCfg, func() error {
		outcome.Attempts++
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()

		result := stage.Agent.ProcessWithValidation(stageCtx, prompt, "", stage.Schema, stage.Name, "", nil, p.cfg.StageTimeout)
		if result.Status != "success" {
			return fmt.Errorf("stage %s: %s", stage.Name, result.Error)
		}
		if s, ok := result.Output.(string); ok {
			outcome.Output = s
		} else {
			outcome.Output = fmt.Sprintf("%v", result.Output)
		}
		return nil
	})

	if err != nil {
		outcome.Err = err
		return outcome, err
	}
	return outcome, nil
}

func (p *ReflectivePipeline) emit(ctx context.Context, eventType, stageName string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["phase_id"] = p.phaseID
	if stageName != "" {
		data["stage"] = stageName
	}
	_ = p.bus.Emit(ctx, eventType, data, core.PriorityNormal)
}
