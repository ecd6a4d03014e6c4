package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"go.uber.org/zap"
)

const snapshotKey = "metrics/agents"

// Persister writes the aggregator's snapshots to the key-value store on a
// ticker so operators can read the last known counters after a restart.
type Persister struct {
	reader   Reader
	store    kvstore.Store
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

func NewPersister(reader Reader, store kvstore.Store, interval time.Duration, logger *zap.Logger) *Persister {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Persister{
		reader:   reader,
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("component", "metrics.persister")),
		done:     make(chan struct{}),
	}
}

func (p *Persister) Start() {
	go p.loop()
}

func (p *Persister) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Persister) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Persister) flush() {
	snapshots := p.reader.AllSnapshots()
	if len(snapshots) == 0 {
		return
	}
	raw, err := json.Marshal(snapshots)
	if err != nil {
		p.logger.Error("snapshot marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Set(ctx, snapshotKey, raw, 0); err != nil {
		p.logger.Warn("snapshot persist failed", zap.Error(err))
	}
}

// LoadPersisted returns the last flushed snapshots, if any.
func LoadPersisted(ctx context.Context, store kvstore.Store) (map[string]AgentMetricSnapshot, error) {
	raw, err := store.Get(ctx, snapshotKey)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return map[string]AgentMetricSnapshot{}, nil
		}
		return nil, err
	}
	var out map[string]AgentMetricSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
