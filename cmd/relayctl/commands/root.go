package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/config"
	"github.com/busybox42/relayctl/internal/daemon"
	"github.com/busybox42/relayctl/internal/logging"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	// Root command
	rootCmd = &cobra.Command{
		Use:   "relayctl",
		Short: "Outbound mail flow control for a Postfix relay",
		Long: `relayctl paces outbound mail from a relay during IP warmup, releases held
mail in bounded batches, and bans clients that repeatedly fail relay or
SASL checks.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Commands that manage the config file itself or need none
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
				return nil
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// GetRootCmd returns the root command for testing purposes
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// withComponents builds the shared components for one administrative
// command and closes them afterwards.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *daemon.Components) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(logging.NewHandler(cmd.ErrOrStderr(), "text"))
	comps, err := daemon.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(ctx, comps)
}
