package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register(TrendAnalysisAgent{}))
	assert.Error(t, r.Register(TrendAnalysisAgent{}), "duplicate registration rejected")

	a, err := r.Resolve("trend_analysis")
	require.NoError(t, err)
	assert.Equal(t, "trend_analysis", a.Name())

	_, err = r.Resolve("ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, RegisterBuiltins(r, zap.NewNop()))
	assert.Len(t, r.Names(), 5)
}

func TestTrendAnalysisAgent(t *testing.T) {
	a := TrendAnalysisAgent{}

	res, err := a.Invoke(context.Background(), Input{Payload: json.RawMessage(`{"topic":"espresso"}`)})
	require.NoError(t, err)
	require.True(t, res.Success)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "espresso", out["topic"])
	assert.Contains(t, out, "trend_score")

	res, err = a.Invoke(context.Background(), Input{Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "topic")
}

func TestCaptionWriterTruncates(t *testing.T) {
	a := CaptionWriterAgent{}
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	payload, _ := json.Marshal(map[string]string{"body": string(long)})

	res, err := a.Invoke(context.Background(), Input{Payload: payload})
	require.NoError(t, err)
	require.True(t, res.Success)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Len(t, out["caption"], 80)
}

func TestSchedulingAgentIsChannelBound(t *testing.T) {
	var a Agent = SchedulingAgent{Platform: "instagram"}
	bound, ok := a.(ChannelBound)
	require.True(t, ok)

	channel, identifier := bound.Channel()
	assert.Equal(t, "scheduler", channel)
	assert.Equal(t, "instagram", identifier)

	channel, identifier = SchedulingAgent{}.Channel()
	assert.Equal(t, "scheduler", channel)
	assert.Equal(t, "default", identifier)
}

func TestAgentsHonorCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := ContentCreationAgent{}.Invoke(ctx, Input{Payload: json.RawMessage(`{"topic":"x"}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
