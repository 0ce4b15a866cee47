package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/prompt"
	"github.com/featbit/vibeguild-sub001/internal/task"
)

type scriptedRemediator struct {
	prompts []string
	steps   []func() error
}

func (r *scriptedRemediator) Remediate(_ context.Context, text string) error {
	r.prompts = append(r.prompts, text)
	if len(r.steps) == 0 {
		return nil
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	return step()
}

type fixture struct {
	store      *progress.Store
	remediator *scriptedRemediator
	metrics    *metrics.Metrics
	validator  *Validator
}

func newFixture(t *testing.T, maxRemediations int) *fixture {
	t.Helper()
	tk := task.New("Write release notes", "", "alice", nil)
	tk.ID = "abc12345"

	f := &fixture{
		store:      progress.NewStore(filepath.Join(t.TempDir(), "progress.json")),
		remediator: &scriptedRemediator{},
		metrics:    metrics.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.validator = New(maxRemediations, f.store, f.remediator, prompt.Context{Task: tk}, f.metrics, logger)
	return f
}

func (f *fixture) save(t *testing.T, fn func(r *progress.Record)) {
	t.Helper()
	rec := progress.NewRecord("abc12345", "alice")
	fn(rec)
	require.NoError(t, f.store.Save(rec))
}

func (f *fixture) addWork(description string) func() error {
	return func() error {
		_, err := f.store.Update(nil, func(r *progress.Record) error {
			r.Status = progress.StatusInProgress
			r.AddCheckpoint(description)
			return nil
		})
		return err
	}
}

func TestValidateAcceptsEvidence(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.AddCheckpoint(progress.PhraseRunStarted)
		r.AddCheckpoint("Drafted the changelog")
		r.SetPercent(40)
	})

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, res.Verdict)
	assert.Zero(t, res.Remediations)
	assert.Empty(t, f.remediator.prompts)

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.PercentComplete)
	last := rec.Checkpoints[len(rec.Checkpoints)-1]
	assert.True(t, strings.HasPrefix(last.Description, progress.PhraseAutoValidation))
}

func TestValidateAcceptsSummaryWithPercent(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.Summary = "Collected all merged pull requests"
		r.SetPercent(10)
	})

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, res.Verdict)
}

func TestValidateMissingRecordFailsImmediately(t *testing.T) {
	f := newFixture(t, 3)

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Equal(t, CauseMissingRecord, res.Cause)
	assert.Empty(t, f.remediator.prompts, "a worker that never initialized is not remediated")

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
	assert.Equal(t, "abc12345", rec.TaskID)
	assert.NotEmpty(t, rec.Summary)
}

func TestValidateTrustsWorkerFailure(t *testing.T) {
	tests := []struct {
		name    string
		status  progress.Status
		summary string
		want    string
	}{
		{"failed", progress.StatusFailed, "Could not reach the tracker", "Could not reach the tracker"},
		{"blocked", progress.StatusBlocked, "Missing access", "Missing access"},
		{"blocked without summary", progress.StatusBlocked, "", "Worker reported the task as blocked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			f.save(t, func(r *progress.Record) {
				r.Status = tt.status
				r.Summary = tt.summary
				r.AddCheckpoint("Tried the tracker")
			})

			res, err := f.validator.Validate(context.Background())
			require.NoError(t, err)
			assert.Equal(t, VerdictFailed, res.Verdict)
			assert.Equal(t, CauseWorkerFailed, res.Cause)
			assert.Empty(t, f.remediator.prompts)

			rec, err := f.store.Load()
			require.NoError(t, err)
			assert.Equal(t, progress.StatusFailed, rec.Status)
			assert.Equal(t, tt.want, rec.Summary)
		})
	}
}

func TestValidateStillWaitingFails(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.AddCheckpoint("Drafted the changelog")
		r.MarkWaiting("Which tone?", "")
	})

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Equal(t, CauseStillWaiting, res.Cause)

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Contains(t, rec.Summary, "Which tone?")
	assert.Empty(t, rec.Question)
}

func TestValidateRemediatesMissingEvidence(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.Summary = "Starting"
		r.AddCheckpoint(progress.PhraseRunStarted)
	})
	f.remediator.steps = []func() error{f.addWork("Wrote the first section")}

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictRemediated, res.Verdict)
	assert.Equal(t, 1, res.Remediations)

	require.Len(t, f.remediator.prompts, 1)
	assert.True(t, strings.HasPrefix(f.remediator.prompts[0], "Remediation attempt 1 of 1."))

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)

	expected := `
# HELP vibeguild_remediations_total Remediation invocations issued for runs without evidence of work.
# TYPE vibeguild_remediations_total counter
vibeguild_remediations_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "vibeguild_remediations_total"))
}

func TestValidateFailsAfterRemediationBudget(t *testing.T) {
	f := newFixture(t, 2)
	f.save(t, func(r *progress.Record) {
		r.AddCheckpoint(progress.PhraseRunStarted)
	})

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Equal(t, CauseNoEvidence, res.Cause)
	assert.Equal(t, 2, res.Remediations)
	assert.Len(t, f.remediator.prompts, 2)

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
	assert.Contains(t, rec.Summary, "No evidence of work")
}

func TestValidateIgnoresCheckpointsBeforeBaseline(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.AddCheckpoint("Drafted outline")
		r.AddCheckpoint(progress.PhraseRunStarted + " (retry)")
	})
	f.validator.SetBaseline(2)

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Equal(t, CauseNoEvidence, res.Cause)
	assert.Len(t, f.remediator.prompts, 1)
}

func TestValidateCountsCheckpointsAfterBaseline(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.AddCheckpoint("Drafted outline")
		r.AddCheckpoint(progress.PhraseRunResumed)
	})
	f.validator.SetBaseline(2)
	f.remediator.steps = []func() error{f.addWork("Finished the changelog")}

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictRemediated, res.Verdict)
}

func TestValidateWithoutRemediationBudget(t *testing.T) {
	f := newFixture(t, 0)
	f.save(t, func(r *progress.Record) {})

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Empty(t, f.remediator.prompts)
}

func TestValidateReopensEmptyCompletion(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {
		r.MarkCompleted("Run finished")
	})
	f.remediator.steps = []func() error{func() error {
		rec, err := f.store.Load()
		if err != nil {
			return err
		}
		assert.Equal(t, progress.StatusInProgress, rec.Status, "the worker sees a reopened record")
		return f.addWork("Published the notes")()
	}}

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictRemediated, res.Verdict)
}

func TestValidateRemediationErrorIsRecorded(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {})
	f.remediator.steps = []func() error{func() error { return errors.New("worker crashed") }}

	res, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailed, res.Verdict)
	assert.Contains(t, res.Record.Summary, "worker crashed")
}

func TestValidateRemediationCancelled(t *testing.T) {
	f := newFixture(t, 1)
	f.save(t, func(r *progress.Record) {})

	ctx, cancel := context.WithCancel(context.Background())
	f.remediator.steps = []func() error{func() error {
		cancel()
		return context.Canceled
	}}

	_, err := f.validator.Validate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
