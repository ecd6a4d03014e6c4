package eventbus

import (
	"context"

	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewClock,
			NewStoreDeadLetter,
			NewBusFromConfig,
			func(b *Bus) Publisher { return b },
		),
		fx.Invoke(func(lc fx.Lifecycle, bus *Bus) {
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
				bus.Close()
				return nil
			}})
		}),
	)
}

func NewBusFromConfig(cfg config.Config, clock Clock, sink *StoreDeadLetter, logger *zap.Logger) *Bus {
	backoff := DefaultBackoff()
	backoff.Base = config.ParseDuration(cfg.EventBus.BaseBackoff, backoff.Base)
	backoff.Max = config.ParseDuration(cfg.EventBus.MaxBackoff, backoff.Max)
	return NewBus(Options{
		DefaultMaxRetries: cfg.EventBus.MaxRetries,
		QueueSize:         cfg.EventBus.QueueSize,
		Backoff:           backoff,
		Clock:             clock,
		DeadLetter:        sink,
	}, logger)
}
