// Package runner launches the worker process for one task and watches it
// until it exits, is paused or times out.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/featbit/vibeguild-sub001/internal/eventlog"
	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

// ErrTimeout is returned when an invocation exceeds its hard deadline
var ErrTimeout = errors.New("worker timed out")

// errPaused is the cancellation cause used when a pause signal is consumed
var errPaused = errors.New("worker paused")

// Worker environment variables
const (
	EnvTaskID       = "VIBEGUILD_TASK_ID"
	EnvTaskDir      = "VIBEGUILD_TASK_DIR"
	EnvProgressFile = "VIBEGUILD_PROGRESS_FILE"
	EnvInboxFile    = "VIBEGUILD_INBOX_FILE"
	EnvRepoURL      = "VIBEGUILD_REPO_URL"
)

// ExitError reports a worker that exited unsuccessfully on its own
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Outcome is how an invocation ended when it did not fail
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomePaused Outcome = "paused"
)

// Result describes a finished invocation
type Result struct {
	Outcome      Outcome
	PauseMessage string
	RunID        string
	OutputBytes  int64
	Duration     time.Duration
	// SilentRetry is set when the capability-free retry produced this result
	SilentRetry bool
}

// Options tune one call to Run
type Options struct {
	Timeout          time.Duration
	WithCapabilities bool
}

// Config describes how to launch the worker
type Config struct {
	Cmd            []string
	CapabilityArgs []string
	Env            []string
	Grace          time.Duration
	PollInterval   time.Duration
}

// PauseSource hands out pending pause signals exactly once
type PauseSource interface {
	Consume() (mailbox.PauseSignal, bool, error)
}

// ProgressSource reads the current progress record
type ProgressSource interface {
	Load() (*progress.Record, error)
}

// Runner runs the worker for a single task
type Runner struct {
	cfg      Config
	taskID   string
	paths    workspace.TaskPaths
	repoURL  string
	pause    PauseSource
	progress ProgressSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a runner for one task
func New(
	cfg Config,
	taskID string,
	paths workspace.TaskPaths,
	repoURL string,
	pause PauseSource,
	progress ProgressSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Runner{
		cfg:      cfg,
		taskID:   taskID,
		paths:    paths,
		repoURL:  repoURL,
		pause:    pause,
		progress: progress,
		metrics:  m,
		logger:   logger.With("task_id", taskID),
	}
}

// CanStripCapabilities reports whether a capability-free invocation differs
// from a normal one
func (r *Runner) CanStripCapabilities() bool {
	return len(r.cfg.CapabilityArgs) > 0
}

// Run invokes the worker with prompt. A worker that exits successfully
// without printing anything while capabilities were attached, and without
// adding evidence to the progress record, is run once more without them.
func (r *Runner) Run(ctx context.Context, prompt string, opts Options) (*Result, error) {
	withCaps := opts.WithCapabilities && r.CanStripCapabilities()
	before := r.evidence()

	res, err := r.invoke(ctx, prompt, opts.Timeout, withCaps, 1)
	if err != nil || res.Outcome != OutcomeDone || !withCaps || res.OutputBytes > 0 {
		return res, err
	}

	if r.evidence() > before {
		return res, nil
	}

	r.logger.Warn("worker exited silently with capabilities attached, retrying without them",
		"run_id", res.RunID)
	r.metrics.SilentExitRetry()

	retry, err := r.invoke(ctx, prompt, opts.Timeout, false, 2)
	if retry != nil {
		retry.SilentRetry = true
	}
	return retry, err
}

func (r *Runner) evidence() int {
	rec, err := r.progress.Load()
	if err != nil {
		if !errors.Is(err, progress.ErrNotFound) {
			r.logger.Warn("failed to read progress record", "error", err)
		}
		return 0
	}
	return progress.EvidenceCount(rec)
}

// NewRunID returns an ID of the form run-YYYYMMDD-HHMMSS-xxxxxxxx
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

func (r *Runner) invoke(ctx context.Context, prompt string, timeout time.Duration, withCaps bool, attempt int) (*Result, error) {
	if len(r.cfg.Cmd) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}

	runID := NewRunID()
	logger := r.logger.With("run_id", runID, "attempt", attempt)

	events, err := eventlog.NewEventLog(r.paths.RunLogPath(runID), runID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer events.Close()

	args := append([]string{}, r.cfg.Cmd[1:]...)
	if withCaps {
		args = append(args, r.cfg.CapabilityArgs...)
	}
	args = append(args, prompt)

	runCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	stdout := eventlog.NewStreamWriter(events, eventlog.StreamStdout)
	stderr := eventlog.NewStreamWriter(events, eventlog.StreamStderr)

	proc := exec.CommandContext(runCtx, r.cfg.Cmd[0], args...)
	proc.Env = r.environ()
	proc.Stdout = stdout
	proc.Stderr = stderr
	// The worker leads its own process group so its helpers stop with it
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Graceful termination first; WaitDelay escalates to a kill after the grace window
	proc.Cancel = func() error {
		return signalGroup(proc.Process.Pid, syscall.SIGTERM)
	}
	proc.WaitDelay = r.cfg.Grace

	started := time.Now()
	if err := proc.Start(); err != nil {
		_ = events.Writef("failed to start worker: %v", err)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger.Info("worker started", "pid", proc.Process.Pid, "capabilities", withCaps)
	_ = events.Writef("worker started pid=%d attempt=%d capabilities=%t", proc.Process.Pid, attempt, withCaps)

	var (
		paused *mailbox.PauseSignal
		exited = make(chan struct{})
		g      errgroup.Group
	)

	g.Go(func() error {
		defer close(exited)
		return proc.Wait()
	})

	g.Go(func() error {
		sig, ok := r.watchPause(runCtx, exited, logger)
		if ok {
			paused = &sig
			cancel(errPaused)
		}
		return nil
	})

	waitErr := g.Wait()

	// Whatever the worker left running is killed once the run was cut short
	if runCtx.Err() != nil {
		_ = signalGroup(proc.Process.Pid, syscall.SIGKILL)
	}

	stdout.Flush()
	stderr.Flush()

	res := &Result{
		RunID:       runID,
		OutputBytes: stdout.BytesWritten() + stderr.BytesWritten(),
		Duration:    time.Since(started),
	}

	// Output still held open by a grandchild after a clean exit is not a failure
	if errors.Is(waitErr, exec.ErrWaitDelay) && proc.ProcessState != nil && proc.ProcessState.Success() {
		waitErr = nil
	}

	switch {
	case paused != nil:
		res.Outcome = OutcomePaused
		res.PauseMessage = paused.Message
		r.metrics.PauseConsumed()
		r.metrics.WorkerInvocation(string(OutcomePaused), res.Duration.Seconds())
		logger.Info("worker paused", "message", paused.Message, "duration", res.Duration)
		_ = events.Writef("worker paused: %s", paused.Message)
		return res, nil

	case waitErr == nil:
		res.Outcome = OutcomeDone
		r.metrics.WorkerInvocation(string(OutcomeDone), res.Duration.Seconds())
		logger.Info("worker exited", "output_bytes", res.OutputBytes, "duration", res.Duration)
		_ = events.Writef("worker exited cleanly output_bytes=%d", res.OutputBytes)
		return res, nil

	case errors.Is(context.Cause(runCtx), ErrTimeout):
		r.metrics.WorkerInvocation("timeout", res.Duration.Seconds())
		logger.Warn("worker timed out", "timeout", timeout)
		_ = events.Writef("worker timed out after %s", timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)

	case ctx.Err() != nil:
		r.metrics.WorkerInvocation("interrupted", res.Duration.Seconds())
		_ = events.Writef("worker interrupted: %v", ctx.Err())
		return res, fmt.Errorf("worker interrupted: %w", ctx.Err())
	}

	code := -1
	if proc.ProcessState != nil {
		code = proc.ProcessState.ExitCode()
	}
	r.metrics.WorkerInvocation("failed", res.Duration.Seconds())
	logger.Warn("worker failed", "exit_code", code, "error", waitErr)
	_ = events.Writef("worker failed exit_code=%d: %v", code, waitErr)
	return res, &ExitError{Code: code, Err: waitErr}
}

// signalGroup delivers sig to every process in the group led by pid
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// watchPause polls for a pause signal until the worker exits or ctx ends
func (r *Runner) watchPause(ctx context.Context, exited <-chan struct{}, logger *slog.Logger) (mailbox.PauseSignal, bool) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-exited:
			return mailbox.PauseSignal{}, false
		case <-ctx.Done():
			return mailbox.PauseSignal{}, false
		case <-ticker.C:
			// A signal left over after a natural exit belongs to the next run
			select {
			case <-exited:
				return mailbox.PauseSignal{}, false
			default:
			}

			sig, ok, err := r.pause.Consume()
			if err != nil {
				logger.Warn("failed to check pause signal", "error", err)
				continue
			}
			if ok {
				logger.Info("pause signal received, stopping worker", "message", sig.Message)
				return sig, true
			}
		}
	}
}

func (r *Runner) environ() []string {
	env := os.Environ()
	env = append(env,
		EnvTaskID+"="+r.taskID,
		EnvTaskDir+"="+r.paths.Dir,
		EnvProgressFile+"="+r.paths.Progress,
		EnvInboxFile+"="+r.paths.Inbox,
		EnvRepoURL+"="+r.repoURL,
	)
	return append(env, r.cfg.Env...)
}
