package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/daemon"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
)

var throttleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Manage outbound throttling",
}

func init() {
	rootCmd.AddCommand(throttleCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the throttle settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				th, err := c.Settings.Throttle(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Enabled:        %t\n", th.Enabled)
				if !th.WarmupStart.IsZero() {
					fmt.Fprintf(out, "Warmup start:   %s\n", th.WarmupStart.Format(datasource.DateLayout))
				}
				fmt.Fprintf(out, "Batch interval: %s\n", th.BatchInterval)
				if th.PhaseOverride != nil {
					fmt.Fprintf(out, "Phase override: %d\n", *th.PhaseOverride)
				}
				return nil
			})
		},
	}

	setEnabled := func(enabled bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Settings.SetEnabled(ctx, enabled); err != nil {
					return err
				}
				if enabled {
					fmt.Fprintln(cmd.OutOrStdout(), "Throttling enabled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Throttling disabled, held mail is released on the next cycle")
				}
				return nil
			})
		}
	}

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Hold mail above the warmup limits",
		Args:  cobra.NoArgs,
		RunE:  setEnabled(true),
	}
	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Stop holding mail",
		Args:  cobra.NoArgs,
		RunE:  setEnabled(false),
	}

	intervalCmd := &cobra.Command{
		Use:   "interval [minutes]",
		Short: "Set the release cycle interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid interval %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Settings.SetBatchInterval(ctx, minutes); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch interval set to %d minutes\n", minutes)
				return nil
			})
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release-now",
		Short: "Run one release cycle immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				res, err := c.ReleaseWorker(cfg, logging.Discard()).RunOnce(ctx)
				if err != nil {
					return err
				}
				capacity := strconv.Itoa(res.Capacity)
				if res.Capacity < 0 {
					capacity = "unlimited"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Mode: %s, capacity: %s, held: %d, released: %d\n",
					res.Mode, capacity, res.Held, res.Released)
				return nil
			})
		},
	}

	throttleCmd.AddCommand(statusCmd, enableCmd, disableCmd, intervalCmd, releaseCmd)
}
