package testharness

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featbit/vibeguild-sub001/internal/progress"
)

func newTestWorker(t *testing.T, args ...string) (*FakeWorker, string, string) {
	t.Helper()

	dir := t.TempDir()
	progressPath := filepath.Join(dir, "progress.json")
	recordPath := filepath.Join(dir, "prompts.ndjson")

	var stdout, stderr bytes.Buffer
	w, prompt, err := ParseFakeWorker(append(append([]string{"--record", recordPath}, args...), "Do the work"), &stdout, &stderr)
	require.NoError(t, err)
	require.Equal(t, "Do the work", prompt)

	w.Getenv = func(key string) string {
		switch key {
		case "VIBEGUILD_PROGRESS_FILE":
			return progressPath
		case "VIBEGUILD_TASK_ID":
			return "t1"
		case "VIBEGUILD_REPO_URL":
			return "https://git.example.test/octo/t1"
		}
		return ""
	}
	return w, progressPath, recordPath
}

func TestParseFakeWorkerDefaults(t *testing.T) {
	w, prompt, err := ParseFakeWorker([]string{"hello"}, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "hello", prompt)
	assert.Equal(t, ModeComplete, w.Mode)
	assert.Equal(t, 3, w.ExitCode)
	assert.False(t, w.Capabilities)
}

func TestParseFakeWorkerRequiresPrompt(t *testing.T) {
	_, _, err := ParseFakeWorker([]string{"--mode", ModeAsk}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestFakeWorkerCompleteRecordsWork(t *testing.T) {
	w, progressPath, recordPath := newTestWorker(t, "--cap")

	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))

	rec, err := progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusInProgress, rec.Status)
	assert.Equal(t, "Drafted the first version", rec.Summary)
	assert.Equal(t, "https://git.example.test/octo/t1", rec.RepoURL)
	assert.True(t, progress.HasEvidence(rec))

	prompts, err := ReadPromptRecords(recordPath)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.True(t, prompts[0].Capabilities)
}

func TestFakeWorkerAskThenApplyAnswer(t *testing.T) {
	w, progressPath, _ := newTestWorker(t, "--mode", ModeAsk, "--question", "Formal or casual?")

	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))
	rec, err := progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusWaitingForHuman, rec.Status)
	assert.Equal(t, "Formal or casual?", rec.Question)

	resume := "You are resuming task t1.\n\nRound 1\n  You asked: Formal or casual?\n  Human answered: formal\n"
	require.Equal(t, 0, w.Run(context.Background(), resume))
	rec, err = progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusInProgress, rec.Status)
	assert.Empty(t, rec.Question)
	assert.Equal(t, "Applied operator answer: formal", rec.Summary)
}

func TestFakeWorkerSilentOnlyWithCapabilities(t *testing.T) {
	w, progressPath, _ := newTestWorker(t, "--mode", ModeSilent, "--cap")
	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))

	_, err := progress.NewStore(progressPath).Load()
	require.ErrorIs(t, err, progress.ErrNotFound)

	w.Capabilities = false
	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))
	rec, err := progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.True(t, progress.HasEvidence(rec))
}

func TestFakeWorkerIdleWritesOnlyBoilerplate(t *testing.T) {
	w, progressPath, _ := newTestWorker(t, "--mode", ModeIdle)

	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))
	rec, err := progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.False(t, progress.HasEvidence(rec))

	require.Equal(t, 0, w.Run(context.Background(), "Remediation attempt 1 of 1.\n\nDo the work"))
	rec, err = progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.True(t, progress.HasEvidence(rec))
}

func TestFakeWorkerFailModes(t *testing.T) {
	w, progressPath, _ := newTestWorker(t, "--mode", ModeFail, "--exit-code", "4")
	assert.Equal(t, 4, w.Run(context.Background(), "Do the work"))

	w.Mode = ModeSelfFail
	require.Equal(t, 0, w.Run(context.Background(), "Do the work"))
	rec, err := progress.NewStore(progressPath).Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusBlocked, rec.Status)
}

func TestFakeWorkerSleepStopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(t, "--mode", ModeSleep, "--sleep", "1m")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Equal(t, 143, w.Run(ctx, "Do the work"))
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestFakeWorkerUnknownMode(t *testing.T) {
	w, _, _ := newTestWorker(t, "--mode", "dance")
	assert.Equal(t, 2, w.Run(context.Background(), "Do the work"))
}

func TestLastAnswer(t *testing.T) {
	prompt := "Round 1\n  You asked: a\n  Human answered: first\n\nRound 2\n  You asked: b\n  Human answered: second\n    continued\n"
	assert.Equal(t, "second", lastAnswer(prompt))
	assert.Empty(t, lastAnswer("no answers here"))
}
