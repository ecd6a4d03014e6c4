package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service is the write/read API over definitions and executions. It validates
// and persists; the engine does the running.
type Service struct {
	repo   *Repo
	engine *Engine
	logger *zap.Logger
}

func NewService(repo *Repo, engine *Engine, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		logger: logger.With(zap.String("component", "orchestrator.service")),
	}
}

type definitionPayload struct {
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	TenantID string  `json:"tenant_id"`
	OwnerID  string  `json:"owner_id"`
	Stages   []Stage `json:"stages"`
}

// CreateDefinition validates a raw create request and persists a new draft
// definition. Drafts must be activated before they can run.
func (s *Service) CreateDefinition(ctx context.Context, raw []byte) (Definition, error) {
	if err := ValidateDefinitionPayload(raw); err != nil {
		return Definition{}, err
	}
	var payload definitionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	seen := map[string]bool{}
	for _, stage := range payload.Stages {
		if seen[stage.Name] {
			return Definition{}, fmt.Errorf("%w: duplicate stage name %q", ErrValidation, stage.Name)
		}
		seen[stage.Name] = true
		if stage.MaxRetries > 0 && !stage.Idempotent {
			return Definition{}, fmt.Errorf("%w: stage %q sets max_retries without idempotent", ErrValidation, stage.Name)
		}
	}

	now := time.Now().UTC()
	def := Definition{
		ID:        newID("def"),
		Name:      payload.Name,
		Version:   payload.Version,
		TenantID:  payload.TenantID,
		OwnerID:   payload.OwnerID,
		Status:    DefinitionDraft,
		Stages:    payload.Stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if def.Version == "" {
		def.Version = "v1"
	}
	if err := s.repo.SaveDefinition(ctx, def); err != nil {
		return Definition{}, err
	}
	s.logger.Info("definition created",
		zap.String("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("stages", len(def.Stages)),
	)
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, id string) (Definition, error) {
	return s.repo.GetDefinition(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]Definition, error) {
	return s.repo.ListDefinitions(ctx)
}

func (s *Service) ActivateDefinition(ctx context.Context, id string) (Definition, error) {
	return s.setDefinitionStatus(ctx, id, DefinitionActive)
}

// DeactivateDefinition takes a definition out of rotation. Running executions
// are unaffected; new activations are rejected.
func (s *Service) DeactivateDefinition(ctx context.Context, id string) (Definition, error) {
	return s.setDefinitionStatus(ctx, id, DefinitionInactive)
}

func (s *Service) setDefinitionStatus(ctx context.Context, id, status string) (Definition, error) {
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if def.Status == status {
		return def, nil
	}
	def.Status = status
	def.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveDefinition(ctx, def); err != nil {
		return Definition{}, err
	}
	s.logger.Info("definition status changed",
		zap.String("definition_id", def.ID),
		zap.String("status", status),
	)
	return def, nil
}

// ActivationRequest starts one execution of an active definition. When
// IdempotencyKey is set, a repeat activation with the same key returns the
// original execution instead of starting another.
type ActivationRequest struct {
	DefinitionID   string          `json:"definition_id"`
	OwnerID        string          `json:"owner_id"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Activate creates a pending execution and hands it to the engine. It returns
// as soon as the execution is persisted; progress is observed via GetStatus.
func (s *Service) Activate(ctx context.Context, req ActivationRequest) (Execution, error) {
	def, err := s.repo.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return Execution{}, err
	}
	if def.Status != DefinitionActive {
		return Execution{}, fmt.Errorf("%w: %s is %s", ErrDefinitionNotLive, def.ID, def.Status)
	}

	now := time.Now().UTC()
	exec := Execution{
		ID:           newID("exec"),
		DefinitionID: def.ID,
		OwnerID:      req.OwnerID,
		Status:       StatusPending,
		Input:        req.Input,
		TotalSteps:   len(def.Stages),
		StageResults: []StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.IdempotencyKey != "" {
		winner, claimed, err := s.repo.ClaimIdempotencyKey(ctx, req.IdempotencyKey, exec.ID)
		if err != nil {
			return Execution{}, err
		}
		if !claimed {
			s.logger.Info("activation deduplicated",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("execution_id", winner),
			)
			return s.repo.GetExecution(ctx, winner)
		}
	}

	if err := s.repo.SaveExecution(ctx, exec); err != nil {
		return Execution{}, err
	}
	s.engine.Start(exec.ID)
	s.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("definition_id", def.ID),
		zap.Int("total_steps", exec.TotalSteps),
	)
	return exec, nil
}

func (s *Service) GetStatus(ctx context.Context, executionID string) (Execution, error) {
	return s.repo.GetExecution(ctx, executionID)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Execution, error) {
	return s.repo.ListExecutionsByOwner(ctx, ownerID)
}

// Cancel flags a live execution for cancellation. Terminal executions are left
// untouched and returned as-is; cancellation of a live one takes effect at the
// next stage boundary.
func (s *Service) Cancel(ctx context.Context, executionID string) (Execution, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Terminal() {
		return exec, nil
	}
	s.engine.RequestCancel(exec.ID)
	s.logger.Info("cancellation requested", zap.String("execution_id", exec.ID))
	return exec, nil
}

// EnsureTemplates seeds the builtin campaign definitions once; existing ones
// are never overwritten so operator edits survive restarts.
func (s *Service) EnsureTemplates(ctx context.Context) error {
	for _, def := range BuiltinDefinitions {
		if _, err := s.repo.GetDefinition(ctx, def.ID); err == nil {
			continue
		}
		now := time.Now().UTC()
		def.CreatedAt = now
		def.UpdatedAt = now
		if err := s.repo.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("seed template %s: %w", def.ID, err)
		}
		s.logger.Info("template seeded", zap.String("definition_id", def.ID))
	}
	return nil
}
