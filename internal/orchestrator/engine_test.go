package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/agent"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"github.com/ronappleton/campaign-orchestrator/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedAgent struct {
	name   string
	invoke func(ctx context.Context, in agent.Input) (agent.Result, error)
}

func (a scriptedAgent) Name() string { return a.name }

func (a scriptedAgent) Invoke(ctx context.Context, in agent.Input) (agent.Result, error) {
	return a.invoke(ctx, in)
}

type boundAgent struct {
	scriptedAgent
	channel    string
	identifier string
}

func (a boundAgent) Channel() (string, string) { return a.channel, a.identifier }

type publishedEvent struct {
	Type    string
	Payload json.RawMessage
}

type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *capturePublisher) Publish(eventType string, payload any, _ ...eventbus.PublishOption) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{Type: eventType, Payload: raw})
	p.mu.Unlock()
	return "evt", nil
}

func (p *capturePublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	repo       *Repo
	registry   *agent.Registry
	guard      *admission.Guard
	aggregator *metrics.Aggregator
	publisher  *capturePublisher
	engine     *Engine
	svc        *Service
}

func newTestEnv(t *testing.T, stageTimeout time.Duration) *testEnv {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		repo:       NewRepo(store, 0),
		registry:   agent.NewRegistry(zap.NewNop()),
		guard:      admission.NewGuard(admission.Policy{Window: time.Minute, MaxRequests: 1000}, zap.NewNop()),
		aggregator: metrics.NewAggregator(zap.NewNop()),
		publisher:  &capturePublisher{},
	}
	env.engine = NewEngine(env.repo, env.registry, env.guard, env.aggregator, env.publisher, stageTimeout, zap.NewNop())
	env.svc = NewService(env.repo, env.engine, zap.NewNop())
	return env
}

func echoAgent(name string) scriptedAgent {
	return scriptedAgent{name: name, invoke: func(_ context.Context, in agent.Input) (agent.Result, error) {
		out, _ := json.Marshal(map[string]any{"agent": name, "echo": json.RawMessage(in.Payload)})
		return agent.Result{Success: true, Output: out}, nil
	}}
}

func (env *testEnv) saveActiveDefinition(t *testing.T, stages ...Stage) Definition {
	t.Helper()
	now := time.Now().UTC()
	def := Definition{
		ID:        newID("def"),
		Name:      "test",
		Version:   "v1",
		Status:    DefinitionActive,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.repo.SaveDefinition(context.Background(), def))
	return def
}

func (env *testEnv) awaitTerminal(t *testing.T, executionID string) Execution {
	t.Helper()
	var exec Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = env.repo.GetExecution(context.Background(), executionID)
		return err == nil && exec.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

func TestExecutionRunsAllStagesInOrder(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var order []string
	var mu sync.Mutex
	for _, name := range []string{"one", "two", "three"} {
		name := name
		require.NoError(t, env.registry.Register(scriptedAgent{name: name, invoke: func(_ context.Context, in agent.Input) (agent.Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			out, _ := json.Marshal(map[string]string{"from": name})
			return agent.Result{Success: true, Output: out}, nil
		}}))
	}

	def := env.saveActiveDefinition(t,
		Stage{Name: "a", AgentName: "one"},
		Stage{Name: "b", AgentName: "two"},
		Stage{Name: "c", AgentName: "three"},
	)

	exec, err := env.svc.Activate(context.Background(), ActivationRequest{
		DefinitionID: def.ID,
		OwnerID:      "owner-1",
		Input:        json.RawMessage(`{"topic":"coffee"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Equal(t, 3, exec.TotalSteps)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedSteps)
	assert.Equal(t, 3, final.CurrentStage)
	require.Len(t, final.StageResults, 3)
	for _, res := range final.StageResults {
		assert.Equal(t, StageSucceeded, res.Status)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Equal(t, []string{"one", "two", "three"}, order)

	assert.Len(t, env.publisher.byType(EventStageCompleted), 3)
	assert.Len(t, env.publisher.byType(EventCompleted), 1)
	assert.Empty(t, env.publisher.byType(EventFailed))
}

func TestStageFailureHaltsExecution(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var thirdInvoked atomic.Bool
	require.NoError(t, env.registry.Register(echoAgent("ok")))
	require.NoError(t, env.registry.Register(scriptedAgent{name: "broken", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		return agent.Result{Success: false, Error: "upstream unavailable"}, nil
	}}))
	require.NoError(t, env.registry.Register(scriptedAgent{name: "never", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		thirdInvoked.Store(true)
		return agent.Result{Success: true}, nil
	}}))

	def := env.saveActiveDefinition(t,
		Stage{Name: "a", AgentName: "ok"},
		Stage{Name: "b", AgentName: "broken"},
		Stage{Name: "c", AgentName: "never"},
	)

	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID, OwnerID: "owner-1"})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 1, final.CompletedSteps)
	assert.Equal(t, 1, final.CurrentStage, "current stage frozen at the failed stage")
	require.Len(t, final.StageResults, 2)
	assert.Equal(t, StageFailed, final.StageResults[1].Status)
	assert.Contains(t, final.StageResults[1].Error, "upstream unavailable")
	assert.False(t, thirdInvoked.Load(), "stages after the failure must never run")

	assert.Len(t, env.publisher.byType(EventFailed), 1, "exactly one terminal failure event")
	assert.Len(t, env.publisher.byType(EventStageFailed), 1)
}

func TestInputMappingSelectsFields(t *testing.T) {
	env := newTestEnv(t, time.Second)

	require.NoError(t, env.registry.Register(scriptedAgent{name: "producer", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		out, _ := json.Marshal(map[string]any{"score": 42.5, "extra": "noise"})
		return agent.Result{Success: true, Output: out}, nil
	}}))

	var received json.RawMessage
	require.NoError(t, env.registry.Register(scriptedAgent{name: "consumer", invoke: func(_ context.Context, in agent.Input) (agent.Result, error) {
		received = in.Payload
		return agent.Result{Success: true, Output: json.RawMessage(`{}`)}, nil
	}}))

	def := env.saveActiveDefinition(t,
		Stage{Name: "score", AgentName: "producer"},
		Stage{Name: "use", AgentName: "consumer", InputMapping: map[string]string{
			"trend_score": "score.score",
			"topic":       "input.topic",
		}},
	)

	exec, err := env.svc.Activate(context.Background(), ActivationRequest{
		DefinitionID: def.ID,
		Input:        json.RawMessage(`{"topic":"tea","irrelevant":true}`),
	})
	require.NoError(t, err)
	env.awaitTerminal(t, exec.ID)

	var got map[string]any
	require.NoError(t, json.Unmarshal(received, &got))
	assert.Equal(t, map[string]any{"trend_score": 42.5, "topic": "tea"}, got)
}

func TestEmptyMappingPassesActivationPayload(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var received json.RawMessage
	require.NoError(t, env.registry.Register(scriptedAgent{name: "sink", invoke: func(_ context.Context, in agent.Input) (agent.Result, error) {
		received = in.Payload
		return agent.Result{Success: true}, nil
	}}))

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "sink"})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{
		DefinitionID: def.ID,
		Input:        json.RawMessage(`{"raw":"payload"}`),
	})
	require.NoError(t, err)
	env.awaitTerminal(t, exec.ID)

	assert.JSONEq(t, `{"raw":"payload"}`, string(received))
}

func TestMappingMissingFieldFailsStage(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var invoked atomic.Bool
	require.NoError(t, env.registry.Register(scriptedAgent{name: "sink", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		invoked.Store(true)
		return agent.Result{Success: true}, nil
	}}))

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "sink", InputMapping: map[string]string{
		"x": "input.missing",
	}})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{
		DefinitionID: def.ID,
		Input:        json.RawMessage(`{"topic":"tea"}`),
	})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.StageResults[0].Error, "field not found")
	assert.False(t, invoked.Load(), "agent must not run when its input cannot be built")
}

func TestIdempotentStageRetries(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var attempts atomic.Int64
	require.NoError(t, env.registry.Register(scriptedAgent{name: "flaky", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		if attempts.Add(1) <= 2 {
			return agent.Result{}, errors.New("transient")
		}
		return agent.Result{Success: true, Output: json.RawMessage(`{"done":true}`)}, nil
	}}))

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "flaky", Idempotent: true, MaxRetries: 3})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.StageResults[0].Attempts)

	snap, ok := env.aggregator.Snapshot("flaky")
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Executions)
	assert.Equal(t, int64(2), snap.Errors)
}

func TestNonIdempotentStageNeverRetries(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var attempts atomic.Int64
	require.NoError(t, env.registry.Register(scriptedAgent{name: "once", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		attempts.Add(1)
		return agent.Result{}, errors.New("boom")
	}}))

	// MaxRetries without Idempotent is ignored by the engine.
	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "once", MaxRetries: 5})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, 1, final.StageResults[0].Attempts)
}

func TestStageTimeout(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)

	require.NoError(t, env.registry.Register(scriptedAgent{name: "slow", invoke: func(ctx context.Context, _ agent.Input) (agent.Result, error) {
		select {
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return agent.Result{Success: true}, nil
		}
	}}))

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "slow"})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.StageResults[0].Error, "timed out")

	snap, ok := env.aggregator.Snapshot("slow")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestCancelTakesEffectBetweenStages(t *testing.T) {
	env := newTestEnv(t, time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var secondInvoked atomic.Bool

	require.NoError(t, env.registry.Register(scriptedAgent{name: "gate", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		close(started)
		<-release
		return agent.Result{Success: true}, nil
	}}))
	require.NoError(t, env.registry.Register(scriptedAgent{name: "after", invoke: func(context.Context, agent.Input) (agent.Result, error) {
		secondInvoked.Store(true)
		return agent.Result{Success: true}, nil
	}}))

	def := env.saveActiveDefinition(t,
		Stage{Name: "a", AgentName: "gate"},
		Stage{Name: "b", AgentName: "after"},
	)
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	<-started
	_, err = env.svc.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	close(release)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.False(t, secondInvoked.Load(), "no stage may start after cancellation")
	assert.Len(t, env.publisher.byType(EventCancelled), 1)
}

func TestAdmissionDenialFailsStageWithoutInvoking(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.guard.SetChannelPolicy("scheduler", admission.Policy{Window: time.Minute, MaxRequests: 1})

	// Burn the channel budget before the stage runs.
	require.True(t, env.guard.Allow("scheduler", "instagram"))

	var invoked atomic.Bool
	require.NoError(t, env.registry.Register(boundAgent{
		scriptedAgent: scriptedAgent{name: "post", invoke: func(context.Context, agent.Input) (agent.Result, error) {
			invoked.Store(true)
			return agent.Result{Success: true}, nil
		}},
		channel:    "scheduler",
		identifier: "instagram",
	}))

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "post"})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.StageResults[0].Error, "admission denied")
	assert.False(t, invoked.Load(), "denied stage must not consume agent capacity")

	_, ok := env.aggregator.Snapshot("post")
	assert.False(t, ok, "denied stage must not record agent metrics")
}

func TestUnknownAgentFailsStage(t *testing.T) {
	env := newTestEnv(t, time.Second)

	def := env.saveActiveDefinition(t, Stage{Name: "only", AgentName: "ghost"})
	exec, err := env.svc.Activate(context.Background(), ActivationRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	final := env.awaitTerminal(t, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.StageResults[0].Error, "unknown agent")
}

func TestBuildStageInputWholeSourceObject(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"trend": json.RawMessage(`{"score":1,"tags":["a"]}`),
	}
	stage := Stage{Name: "x", InputMapping: map[string]string{"trend": "trend"}}

	raw, err := buildStageInput(json.RawMessage(`{}`), stage, outputs)
	require.NoError(t, err)

	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(1), got["trend"]["score"])
}

func TestBuildStageInputUnknownSource(t *testing.T) {
	stage := Stage{Name: "x", InputMapping: map[string]string{"v": "nosuch.field"}}
	_, err := buildStageInput(nil, stage, map[string]json.RawMessage{})
	assert.ErrorIs(t, err, ErrValidation)
}
