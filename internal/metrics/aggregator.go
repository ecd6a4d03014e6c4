package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// AgentMetricSnapshot is the per-agent view returned to operators. SuccessRate
// is derived on read from Executions and Errors so the two can never drift.
type AgentMetricSnapshot struct {
	Agent           string    `json:"agent"`
	Executions      int64     `json:"executions"`
	Errors          int64     `json:"errors"`
	SuccessRate     float64   `json:"success_rate"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	LastExecutionAt time.Time `json:"last_execution_at"`
}

// Reader is the read-only view injected into the HTTP layer.
type Reader interface {
	Snapshot(agent string) (AgentMetricSnapshot, bool)
	AllSnapshots() map[string]AgentMetricSnapshot
}

type agentCounters struct {
	mu         sync.Mutex
	executions int64
	errors     int64
	avgMs      float64
	lastAt     time.Time
}

// Aggregator keeps rolling per-agent counters and mirrors them to the OTel
// meter for export. Mutations for one agent are serialized on a per-agent
// mutex so concurrent stage completions never lose updates.
type Aggregator struct {
	mu     sync.RWMutex
	agents map[string]*agentCounters
	logger *zap.Logger

	executionsCtr otelmetric.Int64Counter
	durationHist  otelmetric.Float64Histogram
}

func NewAggregator(logger *zap.Logger) *Aggregator {
	meter := otel.Meter("campaign-orchestrator")
	executions, _ := meter.Int64Counter("campaign_agent_executions_total",
		otelmetric.WithDescription("Total agent stage executions"))
	duration, _ := meter.Float64Histogram("campaign_agent_duration_ms",
		otelmetric.WithDescription("Agent stage execution duration in milliseconds"))

	return &Aggregator{
		agents:        map[string]*agentCounters{},
		logger:        logger.With(zap.String("component", "metrics")),
		executionsCtr: executions,
		durationHist:  duration,
	}
}

// Record folds one stage execution into the agent's counters using the
// incremental rolling mean newAvg = (oldAvg*(n-1) + sample) / n.
func (a *Aggregator) Record(agent string, duration time.Duration, succeeded bool) {
	counters := a.counters(agent)
	sample := float64(duration.Milliseconds())

	counters.mu.Lock()
	counters.executions++
	if !succeeded {
		counters.errors++
	}
	n := float64(counters.executions)
	counters.avgMs = (counters.avgMs*(n-1) + sample) / n
	counters.lastAt = time.Now().UTC()
	counters.mu.Unlock()

	status := "success"
	if !succeeded {
		status = "error"
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	ctx := context.Background()
	a.executionsCtr.Add(ctx, 1, attrs)
	a.durationHist.Record(ctx, sample, otelmetric.WithAttributes(attribute.String("agent", agent)))
}

func (a *Aggregator) Snapshot(agent string) (AgentMetricSnapshot, bool) {
	a.mu.RLock()
	counters, ok := a.agents[agent]
	a.mu.RUnlock()
	if !ok {
		return AgentMetricSnapshot{}, false
	}
	return counters.snapshot(agent), true
}

func (a *Aggregator) AllSnapshots() map[string]AgentMetricSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]AgentMetricSnapshot, len(a.agents))
	for name, counters := range a.agents {
		out[name] = counters.snapshot(name)
	}
	return out
}

// Reset clears all counters. Administrative only.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.agents = map[string]*agentCounters{}
	a.mu.Unlock()
	a.logger.Info("agent metrics reset")
}

func (a *Aggregator) counters(agent string) *agentCounters {
	a.mu.RLock()
	counters, ok := a.agents[agent]
	a.mu.RUnlock()
	if ok {
		return counters
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if counters, ok = a.agents[agent]; ok {
		return counters
	}
	counters = &agentCounters{}
	a.agents[agent] = counters
	return counters
}

func (c *agentCounters) snapshot(agent string) AgentMetricSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate := 0.0
	if c.executions > 0 {
		rate = float64(c.executions-c.errors) / float64(c.executions)
	}
	return AgentMetricSnapshot{
		Agent:           agent,
		Executions:      c.executions,
		Errors:          c.errors,
		SuccessRate:     rate,
		AvgDurationMs:   c.avgMs,
		LastExecutionAt: c.lastAt,
	}
}
