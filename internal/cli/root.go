package cli

import "github.com/spf13/cobra"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign-orchestrator",
		Short: "Campaign agent workflow orchestrator",
	}

	cmd.Flags().String("config", "config.yaml", "Path to config file")
	return cmd
}
