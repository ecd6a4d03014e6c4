package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry resolves agents by name for the orchestrator.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: map[string]Agent{},
		logger: logger.With(zap.String("component", "agent.registry")),
	}
}

func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("agent %s already registered", a.Name())
	}
	r.agents[a.Name()] = a
	r.logger.Info("agent registered", zap.String("agent", a.Name()))
	return nil
}

func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}
