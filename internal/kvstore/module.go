package kvstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(New),
		fx.Invoke(func(lc fx.Lifecycle, store Store) {
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
				return store.Close()
			}})
		}),
	)
}

func New(cfg config.Config, logger *zap.Logger) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using in-memory key-value store")
		return NewMemory(), nil
	case "redis":
		logger.Info("using redis key-value store", zap.String("addr", cfg.Store.RedisAddr))
		return NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisPass, cfg.Store.RedisDB, logger)
	case "postgres":
		logger.Info("using postgres key-value store")
		return NewPG(cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
