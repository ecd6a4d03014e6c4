package orchestrator

import (
	"context"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/agent"
	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"github.com/ronappleton/campaign-orchestrator/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(store kvstore.Store, cfg config.Config) *Repo {
				ttl := config.ParseDuration(cfg.Store.ExecutionTTL, 720*time.Hour)
				return NewRepo(store, ttl)
			},
			func(
				repo *Repo,
				agents *agent.Registry,
				guard *admission.Guard,
				aggregator *metrics.Aggregator,
				publisher eventbus.Publisher,
				cfg config.Config,
				logger *zap.Logger,
			) *Engine {
				timeout := config.ParseDuration(cfg.Orchestrator.StageTimeout, 30*time.Second)
				return NewEngine(repo, agents, guard, aggregator, publisher, timeout, logger)
			},
			NewService,
		),
		fx.Invoke(func(lc fx.Lifecycle, svc *Service) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return svc.EnsureTemplates(ctx)
				},
			})
		}),
	)
}
