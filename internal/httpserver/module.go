package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/agent"
	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/metrics"
	"github.com/ronappleton/campaign-orchestrator/internal/orchestrator"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	srv    *http.Server

	svc        *orchestrator.Service
	agents     *agent.Registry
	metrics    metrics.Reader
	aggregator *metrics.Aggregator
	guard      *admission.Guard
	deadletter *eventbus.StoreDeadLetter
	publisher  eventbus.Publisher
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(
	cfg config.Config,
	logger *zap.Logger,
	svc *orchestrator.Service,
	agents *agent.Registry,
	reader metrics.Reader,
	aggregator *metrics.Aggregator,
	guard *admission.Guard,
	deadletter *eventbus.StoreDeadLetter,
	publisher eventbus.Publisher,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "httpserver")),
		svc:        svc,
		agents:     agents,
		metrics:    reader,
		aggregator: aggregator,
		guard:      guard,
		deadletter: deadletter,
		publisher:  publisher,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/agents", s.handleAgents)
	mux.HandleFunc("/v1/definitions", s.handleDefinitions)
	mux.HandleFunc("/v1/definitions/", s.handleDefinitionByID)
	mux.HandleFunc("/v1/executions", s.handleExecutions)
	mux.HandleFunc("/v1/executions/", s.handleExecutionByID)
	mux.HandleFunc("/v1/metrics/agents", s.handleAgentMetrics)
	mux.HandleFunc("/v1/metrics/reset", s.handleMetricsReset)
	mux.HandleFunc("/v1/admission/channels", s.handleAdmissionChannels)
	mux.HandleFunc("/v1/admission/unban", s.handleAdmissionUnban)
	mux.HandleFunc("/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/v1/deadletters/", s.handleDeadLetterByID)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "campaign-orchestrator"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
