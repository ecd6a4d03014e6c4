package agent

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewRegistry),
		fx.Invoke(RegisterBuiltins),
	)
}

func RegisterBuiltins(registry *Registry, logger *zap.Logger) error {
	builtins := []Agent{
		TrendAnalysisAgent{},
		ContentCreationAgent{},
		CaptionWriterAgent{},
		SchedulingAgent{},
		AnalyticsAgent{},
	}
	for _, a := range builtins {
		if err := registry.Register(a); err != nil {
			return err
		}
	}
	logger.Info("builtin agents registered", zap.Int("count", len(builtins)))
	return nil
}
