package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/backtesting-org/realtime-reconnect/internal/config"
	"github.com/backtesting-org/realtime-reconnect/internal/infrastructure"
	"github.com/backtesting-org/realtime-reconnect/internal/services"
)

// NewRootCommand builds the subscriber CLI.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "realtime-subscriber",
		Short: "Keep a realtime subscription alive across failures",
	}

	root.AddCommand(newRunCommand())
	return root
}

// newRunCommand creates the run command
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the subscriber until interrupted",
		Long: `Run the subscriber until interrupted.

Configuration comes from REALTIME_* environment variables (optionally via a
.env file): endpoint URL and topic, retry tuning, connectivity probing, and
logging. See internal/config for the full list and defaults.`,
		Run: func(cmd *cobra.Command, args []string) {
			fx.New(
				config.Module,
				infrastructure.Module,
				services.Module,
			).Run()
		},
	}
}
