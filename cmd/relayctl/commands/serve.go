package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/daemon"
	"github.com/busybox42/relayctl/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the policy server and background workers",
	Long: `Run the policy delegation server together with the batch release worker,
the ban expiry sweep, the optional mail log watcher and the optional status API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "policy server listen address (overrides config)")
	serveCmd.Flags().Bool("no-release", false, "disable the batch release worker")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Policy.ListenAddr = listen
	}
	if noRelease, _ := cmd.Flags().GetBool("no-release"); noRelease {
		cfg.Release.Enabled = false
	}

	logger, closer, err := logging.Initialize(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := daemon.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer comps.Close()

	return daemon.New(cfg, comps, logger).Run(ctx)
}
