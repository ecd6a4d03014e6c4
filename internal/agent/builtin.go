package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Built-in campaign agents. They simulate the fleet workers (trend analysis,
// content creation, scheduling, analytics) with deterministic-enough outputs
// so workflows are exercisable end to end without external services.

type TrendAnalysisAgent struct{}

func (TrendAnalysisAgent) Name() string { return "trend_analysis" }

func (TrendAnalysisAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	var req struct {
		Topic    string `json:"topic"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(in.Payload, &req); err != nil || strings.TrimSpace(req.Topic) == "" {
		return Result{Success: false, Error: "topic is required"}, nil
	}
	if err := simulateWork(ctx, 120*time.Millisecond); err != nil {
		return Result{}, err
	}
	score := float64(hashOf(req.Topic)%1000) / 10.0
	out, _ := json.Marshal(map[string]any{
		"topic":       req.Topic,
		"platform":    req.Platform,
		"trend_score": score,
		"rising":      score > 50,
		"hashtags":    []string{"#" + strings.ReplaceAll(strings.ToLower(req.Topic), " ", "")},
	})
	return Result{Success: true, Output: out}, nil
}

type ContentCreationAgent struct{}

func (ContentCreationAgent) Name() string { return "content_creation" }

func (ContentCreationAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	var req struct {
		Topic    string   `json:"topic"`
		Tone     string   `json:"tone"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal(in.Payload, &req); err != nil || strings.TrimSpace(req.Topic) == "" {
		return Result{Success: false, Error: "topic is required"}, nil
	}
	if err := simulateWork(ctx, 250*time.Millisecond); err != nil {
		return Result{}, err
	}
	tone := req.Tone
	if tone == "" {
		tone = "engaging"
	}
	body := fmt.Sprintf("Fresh take on %s. An %s look at what is moving right now. %s",
		req.Topic, tone, strings.Join(req.Hashtags, " "))
	out, _ := json.Marshal(map[string]any{
		"draft_id": uuid.NewString(),
		"body":     strings.TrimSpace(body),
		"tone":     tone,
	})
	return Result{Success: true, Output: out}, nil
}

type CaptionWriterAgent struct{}

func (CaptionWriterAgent) Name() string { return "caption_writer" }

func (CaptionWriterAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(in.Payload, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		return Result{Success: false, Error: "body is required"}, nil
	}
	if err := simulateWork(ctx, 80*time.Millisecond); err != nil {
		return Result{}, err
	}
	caption := req.Body
	if len(caption) > 80 {
		caption = caption[:77] + "..."
	}
	out, _ := json.Marshal(map[string]string{"caption": caption})
	return Result{Success: true, Output: out}, nil
}

// SchedulingAgent books a publish slot on an external channel, so it is
// channel-bound and admission-checked before every invocation.
type SchedulingAgent struct {
	Platform string
}

func (a SchedulingAgent) Name() string { return "scheduling" }

func (a SchedulingAgent) Channel() (string, string) {
	platform := a.Platform
	if platform == "" {
		platform = "default"
	}
	return "scheduler", platform
}

func (a SchedulingAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	var req struct {
		DraftID   string `json:"draft_id"`
		PublishAt string `json:"publish_at"`
	}
	if err := json.Unmarshal(in.Payload, &req); err != nil || req.DraftID == "" {
		return Result{Success: false, Error: "draft_id is required"}, nil
	}
	if err := simulateWork(ctx, 150*time.Millisecond); err != nil {
		return Result{}, err
	}
	publishAt := req.PublishAt
	if publishAt == "" {
		publishAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	}
	out, _ := json.Marshal(map[string]string{
		"schedule_id": uuid.NewString(),
		"draft_id":    req.DraftID,
		"publish_at":  publishAt,
	})
	return Result{Success: true, Output: out}, nil
}

type AnalyticsAgent struct{}

func (AnalyticsAgent) Name() string { return "analytics" }

func (AnalyticsAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	if err := simulateWork(ctx, 100*time.Millisecond); err != nil {
		return Result{}, err
	}
	seed := hashOf(in.ExecutionID)
	out, _ := json.Marshal(map[string]any{
		"impressions": 1000 + seed%9000,
		"engagement":  float64(seed%500) / 10.0,
		"measured_at": time.Now().UTC().Format(time.RFC3339),
	})
	return Result{Success: true, Output: out}, nil
}

func simulateWork(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hashOf(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
