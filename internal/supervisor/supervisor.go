// Package supervisor drives one task from repository resolution through
// execution, alignment and validation to a terminal progress record.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/alignment"
	"github.com/featbit/vibeguild-sub001/internal/completion"
	"github.com/featbit/vibeguild-sub001/internal/config"
	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/prompt"
	"github.com/featbit/vibeguild-sub001/internal/runner"
	"github.com/featbit/vibeguild-sub001/internal/task"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

var (
	// ErrAlreadyCompleted is returned when running a task that already completed
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrAlreadyFailed is returned when running a failed task without retry
	ErrAlreadyFailed = errors.New("task already failed")
)

// FailureKind classifies why a run failed
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureConfig     FailureKind = "config"
	FailureResolution FailureKind = "resolution"
	FailureTimeout    FailureKind = "timeout"
	FailureProcess    FailureKind = "process"
	FailureAlignment  FailureKind = "alignment"
	FailureNoEvidence FailureKind = "no_evidence"
)

// Resolver finds the repository dedicated to a task
type Resolver interface {
	Resolve(ctx context.Context, taskID, title string) (string, error)
	Remember(taskID, handle string)
}

// Options tune a single supervised run
type Options struct {
	// Retry reopens a task whose record already failed
	Retry bool
	// SkipRepository runs without resolving a repository
	SkipRepository bool
}

// Outcome is the terminal state of a supervised run
type Outcome struct {
	TaskID      string
	Status      progress.Status
	RepoURL     string
	Verdict     completion.Verdict
	FailureKind FailureKind
	Summary     string
	Record      *progress.Record
}

// Succeeded reports whether the task completed
func (o *Outcome) Succeeded() bool {
	return o.Status == progress.StatusCompleted
}

// Supervisor runs tasks stored in one workspace
type Supervisor struct {
	cfg      *config.Config
	layout   workspace.Layout
	tasks    *task.Store
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a supervisor. resolver may be nil when hosting is disabled.
func New(cfg *config.Config, resolver Resolver, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	layout := workspace.New(cfg.WorkspaceRoot)
	return &Supervisor{
		cfg:      cfg,
		layout:   layout,
		tasks:    task.NewStore(layout),
		resolver: resolver,
		metrics:  m,
		logger:   logger,
	}
}

// execution is the per-run state threaded through every step
type execution struct {
	task    *task.Task
	paths   workspace.TaskPaths
	store   *progress.Store
	inbox   *mailbox.Inbox
	runner  *runner.Runner
	prompt  prompt.Context
	kind    FailureKind
	verdict completion.Verdict
	logger  *slog.Logger
	// baseline is how many checkpoints the record held before this run
	baseline int
	// floor is the highest percentComplete seen so far
	floor int
}

// Run supervises taskID until its progress record is completed or failed.
// A returned error means supervision itself could not proceed (unknown
// task, refused restart, cancellation); task failures are reported through
// the Outcome.
func (s *Supervisor) Run(ctx context.Context, taskID string, opts Options) (*Outcome, error) {
	if err := workspace.Initialize(s.cfg.WorkspaceRoot); err != nil {
		return nil, err
	}

	t, err := s.tasks.Load(taskID)
	if err != nil {
		return nil, err
	}
	paths, err := s.layout.Task(taskID)
	if err != nil {
		return nil, err
	}

	ex := &execution{
		task:   t,
		paths:  paths,
		store:  progress.NewStore(paths.Progress),
		logger: s.logger.With("task_id", taskID),
	}

	existing, err := s.checkRestart(ex, opts)
	if err != nil {
		return nil, err
	}

	ex.logger.Info("supervising task", "title", t.Title, "resume", existing != nil)

	waiting, err := s.markStarted(ex, existing, opts)
	if err != nil {
		return nil, err
	}

	repoURL, err := s.resolveRepository(ctx, ex, opts)
	if err != nil {
		return s.finalize(ex, err.Error())
	}

	ex.prompt = prompt.Context{Task: t, Paths: paths, RepoURL: repoURL}
	ex.inbox = mailbox.NewInbox(paths.Inbox, ex.logger)
	ex.inbox.SetPollInterval(s.cfg.Timeouts.PollInterval)
	ex.runner = runner.New(runner.Config{
		Cmd:            s.cfg.Worker.Cmd,
		CapabilityArgs: s.cfg.Worker.CapabilityArgs,
		Env:            s.cfg.Worker.Env,
		Grace:          s.cfg.Timeouts.Grace,
		PollInterval:   s.cfg.Timeouts.PollInterval,
	}, taskID, paths, repoURL, mailbox.NewPause(paths.Pause), ex.store, s.metrics, ex.logger)

	if waiting {
		// A previous run stopped mid-conversation; pick it up
		err = s.settle(ctx, ex, nil)
	} else {
		err = s.execute(ctx, ex, prompt.Briefing(ex.prompt), s.cfg.Timeouts.Run)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return s.finalize(ex, err.Error())
	}

	if ex.kind == FailureNone {
		if err := s.validate(ctx, ex); err != nil {
			return nil, err
		}
	}

	return s.finalize(ex, "")
}

// checkRestart refuses to rerun settled tasks and returns the existing
// record, or nil for a fresh task
func (s *Supervisor) checkRestart(ex *execution, opts Options) (*progress.Record, error) {
	rec, err := ex.store.Load()
	if errors.Is(err, progress.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case progress.StatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, ex.task.ID)
	case progress.StatusFailed:
		if !opts.Retry {
			return nil, fmt.Errorf("%w: %s (use --retry to run it again)", ErrAlreadyFailed, ex.task.ID)
		}
	}
	return rec, nil
}

func (s *Supervisor) resolveRepository(ctx context.Context, ex *execution, opts Options) (string, error) {
	t := ex.task
	if opts.SkipRepository || !s.cfg.Hosting.Enabled || s.resolver == nil {
		return t.Repository, nil
	}

	if err := s.cfg.RequireHostingCredentials(); err != nil {
		ex.kind = FailureConfig
		return "", err
	}

	if t.Repository != "" {
		s.resolver.Remember(t.ID, t.Repository)
	}

	handle, err := s.resolver.Resolve(ctx, t.ID, t.Title)
	if err != nil {
		ex.kind = FailureResolution
		return "", err
	}

	if _, err := s.tasks.SetRepository(t.ID, handle); err != nil {
		ex.kind = FailureResolution
		return "", fmt.Errorf("failed to record repository: %w", err)
	}
	t.Repository = handle
	return handle, nil
}

// markStarted records the start of this run on an existing record and
// reports whether it is still waiting for a human. Fresh tasks get no
// record: the worker must create it.
func (s *Supervisor) markStarted(ex *execution, existing *progress.Record, opts Options) (bool, error) {
	if existing == nil {
		return false, nil
	}

	// The summary of an earlier run is not evidence for this one
	existing.Summary = ""
	waiting := false
	switch {
	case existing.Status == progress.StatusFailed && opts.Retry:
		existing.MarkInProgress(progress.PhraseRunStarted + " (retry)")
	case existing.Status == progress.StatusWaitingForHuman:
		existing.AddCheckpoint(progress.PhraseRunResumed)
		waiting = true
	default:
		existing.MarkInProgress(progress.PhraseRunResumed)
	}
	if err := ex.store.Save(existing); err != nil {
		return false, err
	}
	ex.baseline = len(existing.Checkpoints)
	ex.floor = existing.PercentComplete
	return waiting, nil
}

// execute runs the worker once and settles whatever state it left behind
func (s *Supervisor) execute(ctx context.Context, ex *execution, text string, timeout time.Duration) error {
	res, err := (&flooredRunner{ex: ex}).Run(ctx, text, runner.Options{Timeout: timeout, WithCapabilities: true})
	if err != nil {
		if ctx.Err() == nil {
			ex.kind = classify(err)
		}
		return err
	}
	return s.settle(ctx, ex, res)
}

// settle converts a pause into a question and converses until the worker
// stops waiting
func (s *Supervisor) settle(ctx context.Context, ex *execution, res *runner.Result) error {
	var rec *progress.Record
	if res != nil && res.Outcome == runner.OutcomePaused {
		current, err := ex.store.Load()
		if err == nil && current.IsTerminal() {
			// The worker finished just before the signal landed
			ex.logger.Info("pause arrived after the worker settled, ignoring", "status", current.Status)
			return nil
		}

		rec, err = alignment.InterceptPause(ex.store, ex.task.ID, res.PauseMessage)
		if err != nil {
			return err
		}
		ex.logger.Info("run paused", "question", rec.Question)
	} else {
		var err error
		rec, err = ex.store.Load()
		if errors.Is(err, progress.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	if rec.Status != progress.StatusWaitingForHuman {
		return nil
	}

	loop := alignment.New(alignment.Config{
		MaxRounds:  s.cfg.Alignment.MaxRounds,
		InboxWait:  s.cfg.Timeouts.InboxWait,
		RunTimeout: s.cfg.Timeouts.AlignmentRun,
		// Replies queued while no supervisor was running answer the open question
		KeepQueued: res == nil,
	}, &flooredRunner{ex: ex}, ex.inbox, ex.store, ex.prompt, s.metrics, ex.logger)

	result, err := loop.Run(ctx, rec)
	if err != nil {
		return err
	}
	if result.Failure != "" {
		ex.kind = FailureAlignment
	}
	return nil
}

func (s *Supervisor) validate(ctx context.Context, ex *execution) error {
	v := completion.New(s.cfg.Validation.MaxRemediations, ex.store, &remediator{s: s, ex: ex}, ex.prompt, s.metrics, ex.logger)
	v.SetBaseline(ex.baseline)
	res, err := v.Validate(ctx)
	if err != nil {
		return err
	}

	ex.verdict = res.Verdict
	switch res.Cause {
	case completion.CauseNoEvidence:
		ex.kind = FailureNoEvidence
	case completion.CauseStillWaiting:
		ex.kind = FailureAlignment
	case completion.CauseMissingRecord, completion.CauseWorkerFailed:
		// keep an alignment failure reached during remediation
		if ex.kind == FailureNone {
			ex.kind = FailureProcess
		}
	}
	// A remediation that failed on its own may have classified the run
	// before the validator had the final word
	if res.Verdict != completion.VerdictFailed {
		ex.kind = FailureNone
	}
	return nil
}

// remediator lets the validator rerun the worker with the full pause and
// alignment handling of a normal run
type remediator struct {
	s  *Supervisor
	ex *execution
}

func (r *remediator) Remediate(ctx context.Context, text string) error {
	return r.s.execute(ctx, r.ex, text, r.s.cfg.Timeouts.Run)
}

// flooredRunner invokes the worker and then restores percentComplete if the
// worker lowered it
type flooredRunner struct {
	ex *execution
}

func (f *flooredRunner) Run(ctx context.Context, text string, opts runner.Options) (*runner.Result, error) {
	res, err := f.ex.runner.Run(ctx, text, opts)
	if clampErr := f.ex.clampPercent(); clampErr != nil {
		f.ex.logger.Warn("failed to restore percent complete", "error", clampErr)
	}
	return res, err
}

// clampPercent keeps percentComplete from going backwards across invocations
func (ex *execution) clampPercent() error {
	rec, err := ex.store.Load()
	if errors.Is(err, progress.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if rec.PercentComplete >= ex.floor {
		ex.floor = rec.PercentComplete
		return nil
	}

	ex.logger.Info("worker lowered percent complete, restoring", "from", rec.PercentComplete, "to", ex.floor)
	rec.SetPercent(ex.floor)
	return ex.store.Save(rec)
}

// finalize guarantees a terminal record, closes the run with a checkpoint
// and records metrics. reason, when set, is the failure that ended the run
// early.
func (s *Supervisor) finalize(ex *execution, reason string) (*Outcome, error) {
	rec, err := ex.store.Load()
	if errors.Is(err, progress.ErrNotFound) {
		rec = progress.NewRecord(ex.task.ID, ex.task.Leader)
	} else if err != nil {
		return nil, err
	}

	switch {
	case reason != "" && rec.Status != progress.StatusFailed:
		if ex.kind == FailureNone {
			ex.kind = FailureProcess
		}
		rec.MarkFailed(reason)
	case !rec.IsTerminal():
		if ex.kind == FailureNone {
			ex.kind = FailureProcess
		}
		rec.MarkFailed(fmt.Sprintf("Run ended without a terminal status (last status %q)", rec.Status))
	}

	if !lastCheckpointIs(rec, progress.PhraseRunFinished) {
		rec.AddCheckpoint(fmt.Sprintf("%s: %s", progress.PhraseRunFinished, rec.Status))
	}
	if rec.RepoURL == "" {
		rec.RepoURL = ex.task.Repository
	}
	if rec.Leader == "" {
		rec.Leader = ex.task.Leader
	}

	if err := ex.store.Save(rec); err != nil {
		return nil, err
	}

	out := &Outcome{
		TaskID:  ex.task.ID,
		Status:  rec.Status,
		RepoURL: rec.RepoURL,
		Verdict: ex.verdict,
		Summary: rec.Summary,
		Record:  rec,
	}
	if rec.Status == progress.StatusFailed {
		out.FailureKind = ex.kind
		if out.FailureKind == FailureNone {
			out.FailureKind = FailureProcess
		}
		if out.Verdict == "" {
			out.Verdict = completion.VerdictFailed
		}
	}

	label := string(rec.Status)
	if out.FailureKind != FailureNone {
		label = string(out.FailureKind)
	}
	s.metrics.RunFinished(label)
	if err := s.metrics.WriteTextfile(s.cfg.Metrics.Textfile); err != nil {
		ex.logger.Warn("failed to write metrics", "error", err)
	}

	ex.logger.Info("run finished", "status", rec.Status, "failure_kind", out.FailureKind, "summary", rec.Summary)
	return out, nil
}

func classify(err error) FailureKind {
	if errors.Is(err, runner.ErrTimeout) {
		return FailureTimeout
	}
	return FailureProcess
}

func lastCheckpointIs(rec *progress.Record, phrase string) bool {
	if len(rec.Checkpoints) == 0 {
		return false
	}
	last := rec.Checkpoints[len(rec.Checkpoints)-1].Description
	return strings.HasPrefix(strings.ToLower(last), strings.ToLower(phrase))
}
