// Package completion decides whether a finished run did real work.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/prompt"
)

// Verdict is the outcome of validation
type Verdict string

const (
	VerdictAccepted   Verdict = "accepted"
	VerdictRemediated Verdict = "remediated"
	VerdictFailed     Verdict = "failed"
)

// Cause explains a failed verdict
type Cause string

const (
	CauseNone          Cause = ""
	CauseMissingRecord Cause = "missing_record"
	CauseWorkerFailed  Cause = "worker_failed"
	CauseStillWaiting  Cause = "still_waiting"
	CauseNoEvidence    Cause = "no_evidence"
)

// Remediator runs the worker once more with a remediation prompt
type Remediator interface {
	Remediate(ctx context.Context, prompt string) error
}

// Store persists the progress record
type Store interface {
	Load() (*progress.Record, error)
	Save(rec *progress.Record) error
}

// Result is what validation concluded and wrote
type Result struct {
	Verdict      Verdict
	Cause        Cause
	Remediations int
	Record       *progress.Record
}

// Validator inspects the final progress record of a run
type Validator struct {
	maxRemediations int
	store           Store
	remediator      Remediator
	prompt          prompt.Context
	metrics         *metrics.Metrics
	logger          *slog.Logger
	baseline        int
}

// New creates a validator allowing up to maxRemediations extra attempts
func New(maxRemediations int, store Store, remediator Remediator, pc prompt.Context, m *metrics.Metrics, logger *slog.Logger) *Validator {
	if maxRemediations < 0 {
		maxRemediations = 0
	}
	return &Validator{
		maxRemediations: maxRemediations,
		store:           store,
		remediator:      remediator,
		prompt:          pc,
		metrics:         m,
		logger:          logger.With("task_id", pc.Task.ID),
	}
}

// SetBaseline makes the first n checkpoints of the record count as history.
// Only checkpoints appended after them are evidence for this run.
func (v *Validator) SetBaseline(n int) {
	if n < 0 {
		n = 0
	}
	v.baseline = n
}

// Validate settles the record into completed or failed. Only the worker's own
// failure judgment and a missing record skip remediation.
func (v *Validator) Validate(ctx context.Context) (*Result, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		rec, err := v.store.Load()
		if errors.Is(err, progress.ErrNotFound) {
			rec = progress.NewRecord(v.prompt.Task.ID, v.prompt.Task.Leader)
			return v.fail(rec, attempt, CauseMissingRecord, "Worker exited without writing a progress record")
		}
		if err != nil {
			return nil, err
		}

		switch rec.Status {
		case progress.StatusFailed:
			v.logger.Info("worker reported failure", "summary", rec.Summary)
			return &Result{Verdict: VerdictFailed, Cause: CauseWorkerFailed, Remediations: attempt, Record: rec}, nil

		case progress.StatusBlocked:
			reason := rec.Summary
			if reason == "" {
				reason = "Worker reported the task as blocked"
			}
			return v.fail(rec, attempt, CauseWorkerFailed, reason)

		case progress.StatusWaitingForHuman:
			return v.fail(rec, attempt, CauseStillWaiting,
				fmt.Sprintf("Run ended while still waiting for a human. Unanswered question: %q", rec.Question))
		}

		if progress.HasEvidenceSince(rec, v.baseline) {
			verdict := VerdictAccepted
			if attempt > 0 {
				verdict = VerdictRemediated
			}
			rec.MarkCompleted(fmt.Sprintf("%s: %s", progress.PhraseAutoValidation, verdict))
			if err := v.store.Save(rec); err != nil {
				return nil, err
			}
			v.logger.Info("run validated", "verdict", verdict, "remediations", attempt)
			return &Result{Verdict: verdict, Remediations: attempt, Record: rec}, nil
		}

		if attempt >= v.maxRemediations {
			reason := fmt.Sprintf("No evidence of work after %d remediation attempt(s)", attempt)
			if lastErr != nil {
				reason += fmt.Sprintf("; last attempt failed: %v", lastErr)
			}
			return v.fail(rec, attempt, CauseNoEvidence, reason)
		}

		// A record the worker closed without evidence is reopened for the retry
		if rec.IsTerminal() {
			rec.MarkInProgress(fmt.Sprintf("%s: reopened, no evidence of work", progress.PhraseAutoValidation))
			if err := v.store.Save(rec); err != nil {
				return nil, err
			}
		}

		v.logger.Warn("no evidence of work, remediating", "attempt", attempt+1, "max", v.maxRemediations)
		v.metrics.Remediation()

		lastErr = v.remediator.Remediate(ctx, prompt.Remediation(v.prompt, attempt+1, v.maxRemediations))
		if lastErr != nil {
			if ctx.Err() != nil {
				return nil, lastErr
			}
			v.logger.Warn("remediation attempt failed", "attempt", attempt+1, "error", lastErr)
		}
	}
}

func (v *Validator) fail(rec *progress.Record, attempts int, cause Cause, reason string) (*Result, error) {
	rec.MarkFailed(reason)
	if err := v.store.Save(rec); err != nil {
		return nil, err
	}
	v.logger.Warn("run failed validation", "cause", cause, "reason", reason)
	return &Result{Verdict: VerdictFailed, Cause: cause, Remediations: attempts, Record: rec}, nil
}
