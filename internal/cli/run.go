package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/config"
	"github.com/featbit/vibeguild-sub001/internal/hosting"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/repo"
	"github.com/featbit/vibeguild-sub001/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Supervise a task until it completes or fails",
	Long: `Run the worker on a task: resolve its repository, execute the worker,
hold an alignment conversation whenever it waits for a human, and validate
that real work was recorded.

Running a task whose record is still open continues it. A failed task is only
run again with --retry; a completed task is never rerun.`,
	Args: exactTaskID,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("retry", false, "Reopen a task whose last run failed")
	runCmd.Flags().Bool("no-repo", false, "Skip repository resolution")
}

func runRun(cmd *cobra.Command, args []string) error {
	retry, err := cmd.Flags().GetBool("retry")
	if err != nil {
		return err
	}
	noRepo, err := cmd.Flags().GetBool("no-repo")
	if err != nil {
		return err
	}

	return superviseTask(cmd, args[0], supervisor.Options{Retry: retry, SkipRepository: noRepo})
}

// superviseTask runs the supervisor for one task and reports the outcome
func superviseTask(cmd *cobra.Command, taskID string, opts supervisor.Options) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	logger.Info("loaded configuration", "workspace_root", cfg.WorkspaceRoot)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	sup := supervisor.New(cfg, newResolver(cfg, opts, m, logger), m, logger)

	outcome, err := sup.Run(ctx, taskID, opts)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("run interrupted; the task can be continued with 'vibeguild run %s': %w", taskID, err)
		}
		return err
	}

	printOutcome(cmd.OutOrStdout(), outcome)
	if !outcome.Succeeded() {
		return fmt.Errorf("%w: %s (%s)", ErrTaskFailed, taskID, outcome.FailureKind)
	}
	return nil
}

func newResolver(cfg *config.Config, opts supervisor.Options, m *metrics.Metrics, logger *slog.Logger) supervisor.Resolver {
	if opts.SkipRepository || !cfg.Hosting.Enabled {
		return nil
	}
	client := hosting.NewClient(cfg.Hosting.APIURL, cfg.Hosting.Token, cfg.Hosting.RequestsPerSecond, logger)
	return repo.NewResolver(client, cfg.Hosting.Org, cfg.Hosting.Private, m, logger)
}

func printOutcome(w io.Writer, o *supervisor.Outcome) {
	if o.Succeeded() {
		fmt.Fprintf(w, "Task %s completed (%s)\n", o.TaskID, o.Verdict)
	} else {
		fmt.Fprintf(w, "Task %s failed [%s]: %s\n", o.TaskID, o.FailureKind, o.Summary)
	}
	if o.RepoURL != "" {
		fmt.Fprintf(w, "Repository: %s\n", o.RepoURL)
	}
}
