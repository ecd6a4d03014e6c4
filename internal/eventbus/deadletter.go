package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"go.uber.org/zap"
)

const deadLetterPrefix = "deadletter/"

// Record captures an event that exhausted its retry budget, for operator
// inspection and replay.
type Record struct {
	ID       string    `json:"id"`
	Event    Event     `json:"event"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterSink is the terminal destination for exhausted events.
type DeadLetterSink interface {
	Append(rec Record)
}

// StoreDeadLetter persists dead-letter records through the key-value store so
// they survive restarts and are queryable from the admin surface.
type StoreDeadLetter struct {
	store  kvstore.Store
	logger *zap.Logger
}

func NewStoreDeadLetter(store kvstore.Store, logger *zap.Logger) *StoreDeadLetter {
	return &StoreDeadLetter{
		store:  store,
		logger: logger.With(zap.String("component", "deadletter")),
	}
}

func (s *StoreDeadLetter) Append(rec Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("dead-letter record marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Set(ctx, deadLetterPrefix+rec.ID, raw, 0); err != nil {
		s.logger.Error("dead-letter record write failed",
			zap.String("record_id", rec.ID),
			zap.String("event_id", rec.Event.ID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("event dead-lettered",
		zap.String("record_id", rec.ID),
		zap.String("event_type", rec.Event.Type),
		zap.String("reason", rec.Reason),
	)
}

func (s *StoreDeadLetter) List(ctx context.Context) ([]Record, error) {
	keys, err := s.store.List(ctx, deadLetterPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (s *StoreDeadLetter) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.store.Get(ctx, deadLetterPrefix+id)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Replay republishes a dead-lettered event with a fresh retry budget and
// removes the record on success.
func (s *StoreDeadLetter) Replay(ctx context.Context, id string, pub Publisher) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	eventID, err := pub.Publish(rec.Event.Type, rec.Event.Payload, WithMaxRetries(rec.Event.MaxRetries))
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	if err := s.store.Delete(ctx, deadLetterPrefix+id); err != nil {
		s.logger.Warn("dead-letter record delete failed after replay", zap.String("record_id", id), zap.Error(err))
	}
	return eventID, nil
}
