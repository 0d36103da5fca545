package commands

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/daemon"
	"github.com/busybox42/relayctl/internal/datasource"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Inspect and steer the warmup schedule",
}

func init() {
	rootCmd.AddCommand(warmupCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current warmup phase and progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				st, err := c.Scheduler.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Phase:          %d (%s)\n", st.CurrentPhase, st.PhaseName)
				if st.Overridden {
					fmt.Fprintf(out, "Override:       pinned\n")
				}
				fmt.Fprintf(out, "Days elapsed:   %d\n", st.DaysElapsed)
				fmt.Fprintf(out, "Days remaining: %d\n", st.DaysRemaining)
				fmt.Fprintf(out, "Progress:       %.1f%%\n", st.PercentComplete)
				fmt.Fprintf(out, "Limits:         %d/hour, %d/day, burst %d\n", st.Limits.MaxPerHour, st.Limits.MaxPerDay, st.Limits.BurstLimit)
				fmt.Fprintf(out, "Established:    %t\n", st.IsEstablished)
				return nil
			})
		},
	}

	phasesCmd := &cobra.Command{
		Use:   "phases",
		Short: "List the warmup phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				phases, err := c.Scheduler.Phases(ctx)
				if err != nil {
					return err
				}
				printPhases(cmd, phases)
				return nil
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Restart the schedule from today and clear any override",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Scheduler.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Warmup schedule reset")
				return nil
			})
		},
	}

	setPhaseCmd := &cobra.Command{
		Use:   "set-phase [phase]",
		Short: "Pin the schedule to a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid phase number %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Scheduler.SetOverride(ctx, n); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Warmup pinned to phase %d\n", n)
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear-override",
		Short: "Return to the time-based schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Scheduler.ClearOverride(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Warmup override cleared")
				return nil
			})
		},
	}

	editCmd := &cobra.Command{
		Use:   "edit-phase [phase]",
		Short: "Change the limits of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid phase number %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				phases, err := c.Scheduler.Phases(ctx)
				if err != nil {
					return err
				}
				p := datasource.WarmupPhase{PhaseNumber: n}
				for _, existing := range phases {
					if existing.PhaseNumber == n {
						p = existing
					}
				}
				flags := cmd.Flags()
				if flags.Changed("name") {
					p.Name, _ = flags.GetString("name")
				}
				if flags.Changed("days") {
					p.DurationDays, _ = flags.GetInt("days")
				}
				if flags.Changed("per-hour") {
					p.MaxPerHour, _ = flags.GetInt("per-hour")
				}
				if flags.Changed("per-day") {
					p.MaxPerDay, _ = flags.GetInt("per-day")
				}
				if flags.Changed("burst") {
					p.BurstLimit, _ = flags.GetInt("burst")
				}
				if err := c.Scheduler.UpdatePhase(ctx, p); err != nil {
					return err
				}
				printPhases(cmd, []datasource.WarmupPhase{p})
				return nil
			})
		},
	}
	editCmd.Flags().String("name", "", "phase name")
	editCmd.Flags().Int("days", 0, "phase duration in days, 0 for the terminal phase")
	editCmd.Flags().Int("per-hour", 0, "maximum messages per hour")
	editCmd.Flags().Int("per-day", 0, "maximum messages per day")
	editCmd.Flags().Int("burst", 0, "burst limit, 0 disables the burst cap")

	warmupCmd.AddCommand(statusCmd, phasesCmd, resetCmd, setPhaseCmd, clearCmd, editCmd)
}

func printPhases(cmd *cobra.Command, phases []datasource.WarmupPhase) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tNAME\tDAYS\tPER HOUR\tPER DAY\tBURST")
	for _, p := range phases {
		days := strconv.Itoa(p.DurationDays)
		if p.IsTerminal() {
			days = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\n", p.PhaseNumber, p.Name, days, p.MaxPerHour, p.MaxPerDay, p.BurstLimit)
	}
	w.Flush()
}
