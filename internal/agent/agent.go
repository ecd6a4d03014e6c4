package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// Input is the typed payload handed to an agent for one stage invocation.
type Input struct {
	ExecutionID string          `json:"execution_id"`
	Stage       string          `json:"stage"`
	Payload     json.RawMessage `json:"payload"`
}

// Result is the agent's verdict for one invocation. A Success=false result is
// a stage failure; Error carries the agent-reported detail.
type Result struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Agent is an opaque unit of campaign business logic invoked by name. The
// orchestrator imposes the timeout through ctx; agents must honor cancellation.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Result, error)
}

// ChannelBound is implemented by agents that dispatch to an external channel
// (e.g. a messaging platform) and therefore require an admission check before
// invocation.
type ChannelBound interface {
	Channel() (channel, identifier string)
}

var ErrUnknownAgent = errors.New("unknown agent")
