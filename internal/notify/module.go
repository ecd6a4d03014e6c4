package notify

import (
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/orchestrator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(func(cfg config.Config, logger *zap.Logger) *Notifier {
			timeout := config.ParseDuration(cfg.Notify.Timeout, 5*time.Second)
			return NewNotifier(cfg.Notify.URL, timeout, logger)
		}),
		fx.Invoke(func(bus *eventbus.Bus, notifier *Notifier, cfg config.Config, logger *zap.Logger) {
			if cfg.Notify.URL == "" {
				logger.Info("notify webhook disabled", zap.String("component", "notify"))
				return
			}
			for _, eventType := range []string{
				orchestrator.EventStageCompleted,
				orchestrator.EventStageFailed,
				orchestrator.EventCompleted,
				orchestrator.EventFailed,
				orchestrator.EventCancelled,
			} {
				bus.Subscribe(eventType, notifier.Forward)
			}
		}),
	)
}
