package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/bootstrap"
	"github.com/target/jobcoord/internal/domain/model"
	"github.com/target/jobcoord/internal/migrate"
	"github.com/target/jobcoord/internal/service"
)

const (
	defaultCommandTimeout   = 30 * time.Second
	defaultMigrationTimeout = 5 * time.Minute
)

// jobAdmin is the part of the job service the CLI drives.
type jobAdmin interface {
	Enqueue(ctx context.Context, req *model.CreateJobRequest) (*service.EnqueueResult, error)
	GetWithEvents(ctx context.Context, id string) (*model.JobWithEvents, error)
	Requeue(ctx context.Context, jobID string) (*model.Job, error)
	Stats(ctx context.Context, tenantID string) (*model.JobStats, error)
}

type sweeper interface {
	RunOnce(ctx context.Context) error
	ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error)
}

type migrator interface {
	Run(ctx context.Context) error
	Status(ctx context.Context) ([]migrate.Migration, error)
}

// app carries configuration and the connection factories shared by every
// command. Each opener returns a release func that closes what it opened.
type app struct {
	logger *slog.Logger
	cfg    *config.AppConfig

	openJobs     func(ctx context.Context) (jobAdmin, func(), error)
	openSweeper  func(ctx context.Context) (sweeper, func(), error)
	openMigrator func(ctx context.Context) (migrator, func(), error)
}

func main() {
	logger := bootstrap.InitLogger()

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.ConfigureLogger(cfg.Log, cfg.IsDev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRoot(newApp(logger, &cfg))
	if runErr := root.ExecuteContext(ctx); runErr != nil {
		logger.ErrorContext(ctx, "command failed", "error", runErr)
		stop()
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

// NewRoot constructs the root command and registers every subcommand.
func NewRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobcoord-admin",
		Short:         "Operate the jobcoord job ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Duration("timeout", defaultCommandTimeout, "Maximum duration for the command")

	root.AddCommand(
		newMigrateCommand(a),
		newEnqueueCommand(a),
		newShowCommand(a),
		newRequeueCommand(a),
		newStatsCommand(a),
		newReclaimCommand(a),
		newBreakerDefaultsCommand(a),
		newPlansCommand(),
	)
	return root
}

// commandContext applies the --timeout flag to the command's context.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
