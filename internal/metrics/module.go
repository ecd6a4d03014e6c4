package metrics

import (
	"context"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewAggregator,
			func(a *Aggregator) Reader { return a },
			func(reader Reader, store kvstore.Store, logger *zap.Logger) *Persister {
				return NewPersister(reader, store, 30*time.Second, logger)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, p *Persister) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					p.Start()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					p.Stop()
					return nil
				},
			})
		}),
	)
}
