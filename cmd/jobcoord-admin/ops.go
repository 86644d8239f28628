package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/jobcoord/internal/domain/postguard"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statusOnly, _ := cmd.Flags().GetBool("status")
			if !cmd.Flags().Changed("timeout") {
				_ = cmd.Flags().Set("timeout", defaultMigrationTimeout.String())
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			m, release, err := a.openMigrator(ctx)
			if err != nil {
				return err
			}
			defer release()

			if !statusOnly {
				if err := m.Run(ctx); err != nil {
					return err
				}
			}

			applied, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tAPPLIED")
			for _, mig := range applied {
				at := "pending"
				if mig.AppliedAt != nil {
					at = mig.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\n", mig.Version, at)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("status", false, "List migrations without applying")
	return cmd
}

func newReclaimCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs with stale leases to the queue",
		Long: "Runs one reclaimer pass. With --threshold, only stale leases are reclaimed using the given " +
			"staleness window instead of the configured one, and retention purges are skipped.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold, _ := cmd.Flags().GetDuration("threshold")
			allowRemote, _ := cmd.Flags().GetBool("allow-remote")
			if threshold < 0 {
				return errors.New("--threshold must not be negative")
			}
			if threshold > 0 {
				host := a.cfg.Postgres.Host
				if err := guardRemoteHost(cmd, host, allowRemote, "reclaim every lease older than "+threshold.String()); err != nil {
					return err
				}
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			sw, release, err := a.openSweeper(ctx)
			if err != nil {
				return err
			}
			defer release()

			if threshold == 0 {
				if err := sw.RunOnce(ctx); err != nil {
					return fmt.Errorf("reclaimer pass: %w", err)
				}
				return writef(cmd.OutOrStdout(), "reclaimer pass complete\n")
			}

			n, err := sw.ReclaimStale(ctx, threshold)
			if err != nil {
				return fmt.Errorf("reclaim stale: %w", err)
			}
			return writef(cmd.OutOrStdout(), "reclaimed %d job(s)\n", n)
		},
	}
	cmd.Flags().Duration("threshold", 0, "Override the staleness window (0 runs a full configured pass)")
	cmd.Flags().Bool("allow-remote", false, "Permit a threshold override against a non-local database")
	return cmd
}

func newBreakerDefaultsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "breaker-defaults",
		Short: "Print the effective circuit breaker profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bc := a.cfg.Breaker
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROFILE\tFAILURES\tCOOLDOWN\tHALF_OPEN_PROBES")
			def, low := bc.Default.Config(), bc.LowRisk.Config()
			fmt.Fprintf(tw, "default\t%d\t%s\t%d\n", def.FailureThreshold, def.Cooldown, def.HalfOpenMaxAttempts)
			fmt.Fprintf(tw, "low-risk\t%d\t%s\t%d\n", low.FailureThreshold, low.Cooldown, low.HalfOpenMaxAttempts)
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(bc.LowRiskDependencies) > 0 {
				return writef(cmd.OutOrStdout(), "\nlow-risk dependencies: %s\n", strings.Join(bc.LowRiskDependencies, ", "))
			}
			return nil
		},
	}
}

func newPlansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Print posting limits per plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN\tMAX_PER_DAY\tMIN_INTERVAL")
			for _, plan := range postguard.Plans() {
				l := postguard.LimitsForPlan(plan)
				fmt.Fprintf(tw, "%s\t%d\t%s\n", plan, l.MaxPerDay, l.MinInterval)
			}
			return tw.Flush()
		},
	}
}

// guardRemoteHost refuses to act on a non-local database unless the caller
// passed --allow-remote and then typed the host name back.
func guardRemoteHost(cmd *cobra.Command, host string, allow bool, action string) error {
	if !isLikelyRemoteHost(host) {
		return nil
	}
	if !allow {
		return fmt.Errorf(
			"refusing to run against potentially remote database host %q; re-run with --allow-remote if this is intentional",
			host,
		)
	}
	return requireRemoteHostConfirmation(cmd.InOrStdin(), cmd.ErrOrStderr(), action, host)
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	if strings.HasSuffix(h, ".local") {
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func requireRemoteHostConfirmation(in io.Reader, out io.Writer, action, host string) error {
	if err := writef(out,
		"\nWARNING: database host %q does not look like a local address.\nThis operation will %s.\n",
		host, action,
	); err != nil {
		return fmt.Errorf("print remote host warning: %w", err)
	}
	if err := writef(out, "Type %q to continue or press enter to abort: ", host); err != nil {
		return fmt.Errorf("print remote host prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(resp) != host {
		return errors.New("aborted by user")
	}
	return nil
}
