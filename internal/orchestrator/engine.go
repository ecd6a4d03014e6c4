package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/agent"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

// Engine executes workflow executions stage by stage. Stages of one execution
// run strictly in sequence (later stages consume earlier outputs); different
// executions run fully concurrently, each in its own goroutine.
type Engine struct {
	repo         *Repo
	agents       *agent.Registry
	guard        *admission.Guard
	metrics      *metrics.Aggregator
	publisher    eventbus.Publisher
	stageTimeout time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func NewEngine(
	repo *Repo,
	agents *agent.Registry,
	guard *admission.Guard,
	aggregator *metrics.Aggregator,
	publisher eventbus.Publisher,
	stageTimeout time.Duration,
	logger *zap.Logger,
) *Engine {
	if stageTimeout <= 0 {
		stageTimeout = 30 * time.Second
	}
	return &Engine{
		repo:         repo,
		agents:       agents,
		guard:        guard,
		metrics:      aggregator,
		publisher:    publisher,
		stageTimeout: stageTimeout,
		logger:       logger.With(zap.String("component", "orchestrator.engine")),
		cancelled:    map[string]bool{},
	}
}

// Start launches the execution loop asynchronously; activation callers return
// immediately and observe progress through GetStatus.
func (e *Engine) Start(executionID string) {
	go e.run(executionID)
}

// RequestCancel flags an execution for cancellation. The flag is honored
// between stages only; an in-flight agent call is left to finish and its
// result discarded.
func (e *Engine) RequestCancel(executionID string) {
	e.mu.Lock()
	e.cancelled[executionID] = true
	e.mu.Unlock()
}

func (e *Engine) cancelRequested(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

func (e *Engine) clearCancel(executionID string) {
	e.mu.Lock()
	delete(e.cancelled, executionID)
	e.mu.Unlock()
}

func (e *Engine) run(executionID string) {
	ctx := context.Background()
	defer e.clearCancel(executionID)

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.Error("execution load failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.Terminal() {
		return
	}

	def, err := e.repo.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		e.failExecution(ctx, &exec, fmt.Sprintf("definition load failed: %v", err))
		return
	}

	exec.Status = StatusRunning
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}

	outputs := map[string]json.RawMessage{}
	for _, res := range exec.StageResults {
		if res.Status == StageSucceeded {
			outputs[res.Name] = res.Output
		}
	}

	for i := exec.CurrentStage; i < len(def.Stages); i++ {
		if e.cancelRequested(exec.ID) {
			e.cancelExecution(ctx, &exec)
			return
		}

		stage := def.Stages[i]
		stageStart := time.Now()
		result := e.runStage(ctx, &exec, stage, outputs)

		// A cancellation that landed while the agent was in flight discards
		// the result so no partial progress is recorded.
		if e.cancelRequested(exec.ID) {
			e.cancelExecution(ctx, &exec)
			return
		}

		exec.StageResults = append(exec.StageResults, result)
		exec.DurationMs += time.Since(stageStart).Milliseconds()

		if result.Status != StageSucceeded {
			exec.CurrentStage = i
			exec.Status = StatusFailed
			if err := e.repo.SaveExecution(ctx, exec); err != nil {
				e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
			}
			e.publishStageEvent(EventStageFailed, exec, result)
			e.publishExecutionEvent(EventFailed, exec, result.Error)
			e.logger.Warn("execution failed",
				zap.String("execution_id", exec.ID),
				zap.String("stage", result.Name),
				zap.String("error", result.Error),
			)
			return
		}

		outputs[stage.Name] = result.Output
		exec.CompletedSteps++
		exec.CurrentStage = i + 1
		if err := e.repo.SaveExecution(ctx, exec); err != nil {
			e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
		e.publishStageEvent(EventStageCompleted, exec, result)
	}

	exec.Status = StatusCompleted
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.publishExecutionEvent(EventCompleted, exec, "")
	e.logger.Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.Int("stages", exec.CompletedSteps),
		zap.Int64("duration_ms", exec.DurationMs),
	)
}

func (e *Engine) runStage(ctx context.Context, exec *Execution, stage Stage, outputs map[string]json.RawMessage) StageResult {
	result := StageResult{
		Name:      stage.Name,
		Agent:     stage.AgentName,
		Status:    StageInProgress,
		StartedAt: time.Now().UTC(),
	}

	ag, err := e.agents.Resolve(stage.AgentName)
	if err != nil {
		return e.finishStage(result, 0, err.Error())
	}

	// Channel-bound agents go through admission before any capacity is spent.
	if bound, ok := ag.(agent.ChannelBound); ok {
		channel, identifier := bound.Channel()
		if !e.guard.Allow(channel, identifier) {
			return e.finishStage(result, 0, fmt.Sprintf("%v: %s/%s", ErrAdmissionDenied, channel, identifier))
		}
	}

	input, err := buildStageInput(exec.Input, stage, outputs)
	if err != nil {
		return e.finishStage(result, 0, err.Error())
	}

	timeout := e.stageTimeout
	if stage.TimeoutSeconds > 0 {
		timeout = time.Duration(stage.TimeoutSeconds) * time.Second
	}

	maxAttempts := 1
	if stage.Idempotent && stage.MaxRetries > 0 {
		maxAttempts += stage.MaxRetries
	}

	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		invokeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := ag.Invoke(invokeCtx, agent.Input{
			ExecutionID: exec.ID,
			Stage:       stage.Name,
			Payload:     input,
		})
		cancel()
		elapsed := time.Since(start)

		succeeded := err == nil && res.Success
		e.metrics.Record(stage.AgentName, elapsed, succeeded)

		if succeeded {
			result.Status = StageSucceeded
			result.Attempts = attempt
			result.Output = res.Output
			result.CompletedAt = time.Now().UTC()
			return result
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			lastErr = fmt.Sprintf("%v after %s", ErrStageTimeout, timeout)
		case err != nil:
			lastErr = fmt.Sprintf("agent invocation failed: %v", err)
		default:
			lastErr = res.Error
			if lastErr == "" {
				lastErr = "agent reported failure"
			}
		}
		result.Attempts = attempt
	}
	return e.finishStage(result, result.Attempts, lastErr)
}

func (e *Engine) finishStage(result StageResult, attempts int, errMsg string) StageResult {
	result.Status = StageFailed
	result.Attempts = attempts
	result.Error = errMsg
	result.CompletedAt = time.Now().UTC()
	return result
}

func (e *Engine) cancelExecution(ctx context.Context, exec *Execution) {
	exec.Status = StatusCancelled
	if err := e.repo.SaveExecution(ctx, *exec); err != nil {
		e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.publishExecutionEvent(EventCancelled, *exec, "")
	e.logger.Info("execution cancelled", zap.String("execution_id", exec.ID))
}

func (e *Engine) failExecution(ctx context.Context, exec *Execution, reason string) {
	exec.Status = StatusFailed
	if err := e.repo.SaveExecution(ctx, *exec); err != nil {
		e.logger.Error("execution persist failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.publishExecutionEvent(EventFailed, *exec, reason)
}

func (e *Engine) publishStageEvent(eventType string, exec Execution, result StageResult) {
	_, err := e.publisher.Publish(eventType, map[string]any{
		"execution_id":  exec.ID,
		"definition_id": exec.DefinitionID,
		"owner_id":      exec.OwnerID,
		"stage":         result.Name,
		"agent":         result.Agent,
		"status":        result.Status,
		"attempts":      result.Attempts,
		"error":         result.Error,
		"ts":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Warn("stage event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (e *Engine) publishExecutionEvent(eventType string, exec Execution, detail string) {
	_, err := e.publisher.Publish(eventType, map[string]any{
		"execution_id":    exec.ID,
		"definition_id":   exec.DefinitionID,
		"owner_id":        exec.OwnerID,
		"status":          exec.Status,
		"current_stage":   exec.CurrentStage,
		"completed_steps": exec.CompletedSteps,
		"total_steps":     exec.TotalSteps,
		"detail":          detail,
		"ts":              time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Warn("execution event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// buildStageInput applies the stage's explicit input mapping over the
// activation payload ("input") and earlier stage outputs (by stage name). An
// empty mapping passes the activation payload through unchanged.
func buildStageInput(activation json.RawMessage, stage Stage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(stage.InputMapping) == 0 {
		if len(activation) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return activation, nil
	}

	sources := map[string]map[string]any{}
	resolve := func(name string) (map[string]any, error) {
		if fields, ok := sources[name]; ok {
			return fields, nil
		}
		var raw json.RawMessage
		if name == "input" {
			raw = activation
		} else {
			var ok bool
			raw, ok = outputs[name]
			if !ok {
				return nil, fmt.Errorf("%w: input mapping references unknown source %q", ErrValidation, name)
			}
		}
		fields := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%w: source %q is not an object", ErrValidation, name)
			}
		}
		sources[name] = fields
		return fields, nil
	}

	mapped := make(map[string]any, len(stage.InputMapping))
	for dst, selector := range stage.InputMapping {
		source, field, found := strings.Cut(selector, ".")
		fields, err := resolve(source)
		if err != nil {
			return nil, err
		}
		if !found {
			mapped[dst] = any(fields)
			continue
		}
		value, ok := fields[field]
		if !ok {
			return nil, fmt.Errorf("%w: input mapping %s=%s: field not found", ErrValidation, dst, selector)
		}
		mapped[dst] = value
	}
	return json.Marshal(mapped)
}
