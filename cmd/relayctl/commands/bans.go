package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayctl/internal/abuse"
	"github.com/busybox42/relayctl/internal/daemon"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/settings"
)

var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Manage banned client addresses",
}

func init() {
	rootCmd.AddCommand(bansCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked and banned addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			activeOnly, _ := cmd.Flags().GetBool("active")
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				bans, err := c.Tracker.List(ctx)
				if err != nil {
					return err
				}
				if activeOnly {
					active := bans[:0]
					for _, b := range bans {
						if b.IsActive {
							active = append(active, b)
						}
					}
					bans = active
				}
				if len(bans) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No bans")
					return nil
				}
				printBans(cmd, bans)
				return nil
			})
		},
	}
	listCmd.Flags().Bool("active", false, "only show active bans")

	banCmd := &cobra.Command{
		Use:   "ban [address|cidr]",
		Short: "Permanently ban an address or network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			notes, _ := cmd.Flags().GetString("notes")
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				ban, err := c.Tracker.ManualBan(ctx, args[0], reason, notes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Banned %s (id %d, ban count %d)\n", ban.IPAddress, ban.ID, ban.BanCount)
				return nil
			})
		},
	}
	banCmd.Flags().String("reason", abuse.ReasonManual, "reason written to the deny list")
	banCmd.Flags().String("notes", "", "administrator notes")

	unbanCmd := &cobra.Command{
		Use:   "unban [id]",
		Short: "Lift a ban, keeping its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBanID(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Tracker.Unban(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ban %d lifted\n", id)
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an inactive record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBanID(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Tracker.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Record %d deleted\n", id)
				return nil
			})
		},
	}

	notesCmd := &cobra.Command{
		Use:   "notes [id] [text]",
		Short: "Replace the notes of a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBanID(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				ban, err := c.Tracker.UpdateNotes(ctx, id, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Notes updated for %s\n", ban.IPAddress)
				return nil
			})
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Lift every expired ban now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				n, err := c.Tracker.ExpireSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d expired bans lifted\n", n)
				return nil
			})
		},
	}

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the ban thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				b, err := c.Settings.BanSettings(ctx)
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("max-attempts") || flags.Changed("window") || flags.Changed("durations") {
					if flags.Changed("max-attempts") {
						b.MaxAttempts, _ = flags.GetInt("max-attempts")
					}
					if flags.Changed("window") {
						minutes, _ := flags.GetInt("window")
						b.TimeWindow = time.Duration(minutes) * time.Minute
					}
					if flags.Changed("durations") {
						raw, _ := flags.GetString("durations")
						if b.Durations, err = settings.ParseDurations(raw); err != nil {
							return fmt.Errorf("invalid durations %q: %w", raw, err)
						}
					}
					if err := c.Settings.SetBanSettings(ctx, b); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Max attempts:  %d\n", b.MaxAttempts)
				fmt.Fprintf(out, "Time window:   %d minutes\n", int(b.TimeWindow/time.Minute))
				fmt.Fprintf(out, "Ban durations: %s minutes\n", settings.FormatDurations(b.Durations))
				return nil
			})
		},
	}
	settingsCmd.Flags().Int("max-attempts", 0, "failures within the window that trigger a ban")
	settingsCmd.Flags().Int("window", 0, "failure window in minutes")
	settingsCmd.Flags().String("durations", "", "JSON array of ban tiers in minutes, e.g. [30,360,1440,10080]")

	regenerateCmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rewrite the deny list and reload the MTA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *daemon.Components) error {
				if err := c.Tracker.Regenerate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deny list regenerated")
				return nil
			})
		},
	}

	bansCmd.AddCommand(listCmd, banCmd, unbanCmd, deleteCmd, notesCmd, sweepCmd, settingsCmd, regenerateCmd)
}

func parseBanID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ban id %q", s)
	}
	return id, nil
}

func printBans(cmd *cobra.Command, bans []datasource.BanRecord) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tFAILS\tBANS\tEXPIRES\tREASON\tNOTES")
	for _, b := range bans {
		status := "tracking"
		expires := "-"
		if b.IsActive {
			status = "banned"
			if b.ExpiresAt == nil {
				expires = "never"
			} else {
				expires = b.ExpiresAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			b.ID, b.IPAddress, status, b.FailCount, b.BanCount, expires, b.Reason, b.Notes)
	}
	w.Flush()
}
