package main

import (
	"os"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/agent"
	"github.com/ronappleton/campaign-orchestrator/internal/cli"
	"github.com/ronappleton/campaign-orchestrator/internal/config"
	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"github.com/ronappleton/campaign-orchestrator/internal/httpserver"
	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
	"github.com/ronappleton/campaign-orchestrator/internal/logging"
	"github.com/ronappleton/campaign-orchestrator/internal/metrics"
	"github.com/ronappleton/campaign-orchestrator/internal/notify"
	"github.com/ronappleton/campaign-orchestrator/internal/orchestrator"
	"github.com/ronappleton/campaign-orchestrator/internal/otel"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		otel.Module("campaign-orchestrator"),
		kvstore.Module(),
		eventbus.Module(),
		metrics.Module(),
		admission.Module(),
		agent.Module(),
		orchestrator.Module(),
		notify.Module(),
		httpserver.Module(),
	)

	app.Run()
}
