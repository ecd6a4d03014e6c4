package admission

import (
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Provide(NewGuardFromConfig)
}

func NewGuardFromConfig(cfg config.Config, logger *zap.Logger) *Guard {
	fallback := DefaultPolicy()
	if cfg.Admission.WindowMs > 0 {
		fallback.Window = time.Duration(cfg.Admission.WindowMs) * time.Millisecond
	}
	if cfg.Admission.MaxRequests > 0 {
		fallback.MaxRequests = cfg.Admission.MaxRequests
	}
	guard := NewGuard(fallback, logger)
	for channel, policy := range cfg.Admission.Channels {
		guard.SetChannelPolicy(channel, Policy{
			Window:       time.Duration(policy.WindowMs) * time.Millisecond,
			MaxRequests:  policy.MaxRequests,
			BanThreshold: policy.BanThreshold,
			BanDuration:  time.Duration(policy.BanDurationS) * time.Second,
		})
	}
	return guard
}
