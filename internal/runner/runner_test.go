package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featbit/vibeguild-sub001/internal/eventlog"
	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
	"github.com/featbit/vibeguild-sub001/pkg/testharness"
)

var fakeWorkerBin string

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	root, err := testharness.DetectRepoRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	dir, err := os.MkdirTemp("", "vibeguild-runner-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer os.RemoveAll(dir)

	fakeWorkerBin, err = testharness.BuildFakeWorker(context.Background(), root, dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return m.Run()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	runner   *Runner
	paths    workspace.TaskPaths
	pause    *mailbox.Pause
	progress *progress.Store
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, workerArgs ...string) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, workspace.Initialize(root))
	paths, err := workspace.New(root).Task("task-1")
	require.NoError(t, err)

	cfg := Config{
		Cmd:            append([]string{fakeWorkerBin}, workerArgs...),
		CapabilityArgs: []string{"--cap"},
		Grace:          time.Second,
		PollInterval:   50 * time.Millisecond,
	}

	f := &fixture{
		paths:    paths,
		pause:    mailbox.NewPause(paths.Pause),
		progress: progress.NewStore(paths.Progress),
		metrics:  metrics.New(),
	}
	f.runner = New(cfg, "task-1", paths, "https://example.test/acme/repo", f.pause, f.progress, f.metrics, testLogger())
	return f
}

func TestRunDone(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeComplete)

	res, err := f.runner.Run(context.Background(), "do the thing", Options{Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Positive(t, res.OutputBytes)
	assert.False(t, res.SilentRetry)

	rec, err := f.progress.Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusInProgress, rec.Status)
	assert.True(t, progress.HasEvidence(rec))
	assert.Equal(t, "https://example.test/acme/repo", rec.RepoURL, "worker sees the repository through its environment")

	entries, err := eventlog.ReadEntries(f.paths.RunLogPath(res.RunID), testLogger())
	require.NoError(t, err)

	var stdout []string
	for _, e := range entries {
		if e.Stream == eventlog.StreamStdout {
			stdout = append(stdout, e.Line)
		}
	}
	assert.Equal(t, []string{"Drafted the first version"}, stdout)
}

func TestRunPassesPromptLast(t *testing.T) {
	record := filepath.Join(t.TempDir(), "prompts.ndjson")
	f := newFixture(t, "--mode", testharness.ModeComplete, "--record", record)

	_, err := f.runner.Run(context.Background(), "prompt with spaces\nand lines", Options{Timeout: 30 * time.Second, WithCapabilities: true})
	require.NoError(t, err)

	records, err := testharness.ReadPromptRecords(record)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "prompt with spaces\nand lines", records[0].Prompt)
	assert.True(t, records[0].Capabilities)
}

func TestRunPaused(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeSleep, "--sleep", "1m")

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = f.pause.Request("switch to formal tone")
	}()

	start := time.Now()
	res, err := f.runner.Run(context.Background(), "sleep please", Options{Timeout: 30 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Equal(t, "switch to formal tone", res.PauseMessage)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, f.pause.Pending(), "signal is consumed")

	expected := `
# HELP vibeguild_pauses_total Pause signals consumed while a worker was running.
# TYPE vibeguild_pauses_total counter
vibeguild_pauses_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "vibeguild_pauses_total"))
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeSleep, "--sleep", "1m")

	_, err := f.runner.Run(context.Background(), "sleep please", Options{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr), "a timeout is not a process failure")
}

func TestRunTimeoutKillsStubbornWorker(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeSleep, "--sleep", "1m", "--ignore-term")

	start := time.Now()
	_, err := f.runner.Run(context.Background(), "sleep please", Options{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 15*time.Second, "killed after the grace window")
}

func TestRunTimeoutStopsWorkerChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	f := newFixture(t)
	f.runner.cfg.Cmd = []string{"/bin/sh", "-c", fmt.Sprintf("sleep 60 & echo $! > %s; wait", pidFile)}

	_, err := f.runner.Run(context.Background(), "sleep please", Options{Timeout: 500 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 5*time.Second, 50*time.Millisecond, "the worker's child is stopped with it")
}

func TestRunExitError(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeFail, "--exit-code", "3")

	res, err := f.runner.Run(context.Background(), "fail", Options{Timeout: 30 * time.Second})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	require.NotNil(t, res)
	assert.Positive(t, res.OutputBytes)
}

func TestRunStartFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.cfg.Cmd = []string{filepath.Join(t.TempDir(), "does-not-exist")}

	_, err := f.runner.Run(context.Background(), "x", Options{Timeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start worker")
}

func TestRunSilentExitRetriesWithoutCapabilities(t *testing.T) {
	record := filepath.Join(t.TempDir(), "prompts.ndjson")
	f := newFixture(t, "--mode", testharness.ModeSilent, "--record", record)

	res, err := f.runner.Run(context.Background(), "write it", Options{Timeout: 30 * time.Second, WithCapabilities: true})
	require.NoError(t, err)
	assert.True(t, res.SilentRetry)
	assert.Equal(t, OutcomeDone, res.Outcome)

	records, err := testharness.ReadPromptRecords(record)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Capabilities)
	assert.False(t, records[1].Capabilities)

	rec, err := f.progress.Load()
	require.NoError(t, err)
	assert.True(t, progress.HasEvidence(rec))

	expected := `
# HELP vibeguild_silent_exit_retries_total Retries after a silent successful exit with capabilities attached.
# TYPE vibeguild_silent_exit_retries_total counter
vibeguild_silent_exit_retries_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "vibeguild_silent_exit_retries_total"))
}

func TestRunNoRetryWhenWorkerPrintedOutput(t *testing.T) {
	record := filepath.Join(t.TempDir(), "prompts.ndjson")
	f := newFixture(t, "--mode", testharness.ModeNoop, "--record", record)

	res, err := f.runner.Run(context.Background(), "x", Options{Timeout: 30 * time.Second, WithCapabilities: true})
	require.NoError(t, err)
	assert.False(t, res.SilentRetry)

	records, err := testharness.ReadPromptRecords(record)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunNoRetryWithoutCapabilities(t *testing.T) {
	record := filepath.Join(t.TempDir(), "prompts.ndjson")
	f := newFixture(t, "--mode", testharness.ModeSilent, "--record", record)

	res, err := f.runner.Run(context.Background(), "x", Options{Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.False(t, res.SilentRetry)

	records, err := testharness.ReadPromptRecords(record)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Capabilities)
}

func TestRunIgnoresStalePauseAfterExit(t *testing.T) {
	f := newFixture(t, "--mode", testharness.ModeComplete)
	f.runner.cfg.PollInterval = time.Hour

	res, err := f.runner.Run(context.Background(), "x", Options{Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)

	require.NoError(t, f.pause.Request("later"))
	assert.True(t, f.pause.Pending(), "a signal written after exit waits for the next run")
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.True(t, strings.HasPrefix(id, "run-"))
	assert.Len(t, id, len("run-20060102-150405-")+8)
	assert.NotEqual(t, id, NewRunID())
}
