package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/jobcoord/internal/domain/model"
)

func newEnqueueCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job into the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := enqueueRequestFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			jobs, release, err := a.openJobs(ctx)
			if err != nil {
				return err
			}
			defer release()

			res, err := jobs.Enqueue(ctx, req)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			if res.Replayed {
				return writef(cmd.OutOrStdout(), "job %s (replayed for dedupe key %q)\n", res.JobID, req.DedupeKey)
			}
			return writef(cmd.OutOrStdout(), "job %s queued\n", res.JobID)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant that owns the job")
	cmd.Flags().String("kind", "", "Job kind (transcribe, render, publish, webhook)")
	cmd.Flags().String("payload", "{}", "JSON payload, or @path to read it from a file")
	cmd.Flags().Int("priority", 0, "Priority (0-100), stored with the job; claims stay in eligibility order")
	cmd.Flags().Int("max-attempts", 0, "Attempts before dead-lettering (0 uses the configured default)")
	cmd.Flags().String("dedupe-key", "", "Idempotency key; repeated calls return the first job")
	cmd.Flags().Duration("delay", 0, "Delay before the job becomes eligible")
	cmd.Flags().String("eligible-at", "", "RFC3339 time at which the job becomes eligible")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("kind")
	cmd.MarkFlagsMutuallyExclusive("delay", "eligible-at")
	return cmd
}

func enqueueRequestFromFlags(cmd *cobra.Command, now time.Time) (*model.CreateJobRequest, error) {
	flags := cmd.Flags()
	tenant, _ := flags.GetString("tenant")
	kind, _ := flags.GetString("kind")
	payloadArg, _ := flags.GetString("payload")
	priority, _ := flags.GetInt("priority")
	maxAttempts, _ := flags.GetInt("max-attempts")
	dedupeKey, _ := flags.GetString("dedupe-key")
	delay, _ := flags.GetDuration("delay")
	eligibleAt, _ := flags.GetString("eligible-at")

	payload, err := readPayload(payloadArg)
	if err != nil {
		return nil, err
	}

	req := &model.CreateJobRequest{
		TenantID:    strings.TrimSpace(tenant),
		Kind:        model.JobKind(strings.ToLower(strings.TrimSpace(kind))),
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		DedupeKey:   strings.TrimSpace(dedupeKey),
	}

	switch {
	case eligibleAt != "":
		at, parseErr := time.Parse(time.RFC3339, eligibleAt)
		if parseErr != nil {
			return nil, fmt.Errorf("--eligible-at must be RFC3339: %w", parseErr)
		}
		req.EligibleAt = &at
	case delay < 0:
		return nil, errors.New("--delay must not be negative")
	case delay > 0:
		at := now.Add(delay)
		req.EligibleAt = &at
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func readPayload(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newShowCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a job and its event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			jobs, release, err := a.openJobs(ctx)
			if err != nil {
				return err
			}
			defer release()

			view, err := jobs.GetWithEvents(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printJob(cmd, view)
		},
	}
	cmd.Flags().Bool("json", false, "Print the job as JSON")
	return cmd
}

func printJob(cmd *cobra.Command, view *model.JobWithEvents) error {
	job := view.Job
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", job.ID)
	fmt.Fprintf(tw, "tenant\t%s\n", job.TenantID)
	fmt.Fprintf(tw, "kind\t%s\n", job.Kind)
	fmt.Fprintf(tw, "state\t%s\n", job.State)
	fmt.Fprintf(tw, "attempts\t%d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Fprintf(tw, "priority\t%d\n", job.Priority)
	fmt.Fprintf(tw, "eligible_at\t%s\n", job.EligibleAt.UTC().Format(time.RFC3339))
	if job.OwnerID != nil {
		fmt.Fprintf(tw, "owner\t%s\n", *job.OwnerID)
	}
	if seen := job.LastSeenAt(); seen != nil {
		fmt.Fprintf(tw, "last_seen_at\t%s\n", seen.UTC().Format(time.RFC3339))
	}
	if job.LastError != nil {
		fmt.Fprintf(tw, "last_error\t%s\n", job.LastError.Message)
		if job.LastError.Reason != "" {
			fmt.Fprintf(tw, "reason\t%s\n", job.LastError.Reason)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(view.Events) == 0 {
		return nil
	}
	if err := writef(cmd.OutOrStdout(), "\nevents:\n"); err != nil {
		return err
	}
	tw = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, ev := range view.Events {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", ev.CreatedAt.UTC().Format(time.RFC3339), ev.Stage, string(ev.Data))
	}
	return tw.Flush()
}

func newRequeueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Move a dead-lettered job back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			jobs, release, err := a.openJobs(ctx)
			if err != nil {
				return err
			}
			defer release()

			job, err := jobs.Requeue(ctx, args[0])
			if err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			return writef(cmd.OutOrStdout(), "job %s requeued (state=%s attempts=%d)\n", job.ID, job.State, job.Attempts)
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			jobs, release, err := a.openJobs(ctx)
			if err != nil {
				return err
			}
			defer release()

			stats, err := jobs.Stats(ctx, strings.TrimSpace(tenant))
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tCOUNT")
			fmt.Fprintf(tw, "%s\t%d\n", model.JobStateQueued, stats.Queued)
			fmt.Fprintf(tw, "%s\t%d\n", model.JobStateRunning, stats.Running)
			fmt.Fprintf(tw, "%s\t%d\n", model.JobStateSucceeded, stats.Succeeded)
			fmt.Fprintf(tw, "%s\t%d\n", model.JobStateFailed, stats.Failed)
			fmt.Fprintf(tw, "%s\t%d\n", model.JobStateDeadLetter, stats.DeadLetter)
			return tw.Flush()
		},
	}
	cmd.Flags().String("tenant", "", "Restrict counts to one tenant")
	return cmd
}
