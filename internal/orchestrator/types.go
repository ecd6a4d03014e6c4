package orchestrator

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	DefinitionDraft    = "draft"
	DefinitionActive   = "active"
	DefinitionInactive = "inactive"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	StageScheduled  = "scheduled"
	StageInProgress = "in_progress"
	StageSucceeded  = "succeeded"
	StageFailed     = "failed"
)

const (
	EventStageCompleted = "workflow.stage_completed"
	EventStageFailed    = "workflow.stage_failed"
	EventCompleted      = "workflow.completed"
	EventFailed         = "workflow.failed"
	EventCancelled      = "workflow.cancelled"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrDefinitionNotLive = errors.New("definition is not active")
	ErrStageTimeout      = errors.New("stage timed out")
	ErrAdmissionDenied   = errors.New("admission denied")
)

// Definition is an ordered stage template. Definitions are never deleted, only
// deactivated.
type Definition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	TenantID  string    `json:"tenant_id,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Status    string    `json:"status"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage binds one unit of work to an agent. InputMapping selects which
// upstream fields flow into the stage input ("dst": "source.field", where
// source is "input" or an earlier stage name); an empty mapping passes the
// activation payload unchanged. Only stages marked Idempotent may opt into
// automatic retries.
type Stage struct {
	Name           string            `json:"name"`
	AgentName      string            `json:"agent"`
	InputMapping   map[string]string `json:"input_mapping,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Idempotent     bool              `json:"idempotent,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// Execution is one run of a definition against a concrete input payload.
// Once terminal it is immutable.
type Execution struct {
	ID             string          `json:"id"`
	DefinitionID   string          `json:"definition_id"`
	OwnerID        string          `json:"owner_id"`
	Status         string          `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	CurrentStage   int             `json:"current_stage"`
	StageResults   []StageResult   `json:"stage_results"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	DurationMs     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type StageResult struct {
	Name        string          `json:"name"`
	Agent       string          `json:"agent"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (e *Execution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
