package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/task"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
	"github.com/featbit/vibeguild-sub001/pkg/testharness"
)

var fakeWorkerBin string

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	color.NoColor = true

	root, err := testharness.DetectRepoRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	dir, err := os.MkdirTemp("", "vibeguild-cli-")
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

type cliEnv struct {
	root       string
	configPath string
	layout     workspace.Layout
}

// newCLIEnv writes a config file pointing the workspace and worker at temp paths
func newCLIEnv(t *testing.T, mode string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	root := filepath.Join(dir, "ws")
	configPath := filepath.Join(dir, "vibeguild.yaml")

	content := fmt.Sprintf(`workspace_root: %q
worker:
  cmd: [%q, "--mode", %q]
timeouts:
  run: 30s
  alignment_run: 30s
  inbox_wait: 2s
  grace: 1s
  poll_interval: 50ms
hosting:
  enabled: false
logging:
  level: error
`, root, fakeWorkerBin, mode)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return &cliEnv{root: root, configPath: configPath, layout: workspace.New(root)}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCLI(t, append([]string{"--config", e.configPath}, args...)...)
}

func (e *cliEnv) createTask(t *testing.T) string {
	t.Helper()
	out, err := e.run(t, "task", "create", "--title", "Write release notes", "--leader", "alice")
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

func (e *cliEnv) paths(t *testing.T, taskID string) workspace.TaskPaths {
	t.Helper()
	paths, err := e.layout.Task(taskID)
	require.NoError(t, err)
	return paths
}

func TestTaskCreateAndShow(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)

	out, err := env.run(t, "task", "create",
		"--title", "Write release notes",
		"--description", "Summarize changes since v1.2",
		"--leader", "alice",
		"--collaborator", "bob")
	require.NoError(t, err)
	taskID := strings.TrimSpace(out)
	require.NotEmpty(t, taskID)

	out, err = env.run(t, "task", "show", taskID)
	require.NoError(t, err)

	var shown task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, taskID, shown.ID)
	assert.Equal(t, "Write release notes", shown.Title)
	assert.Equal(t, "alice", shown.Leader)
	assert.Equal(t, []string{"bob"}, shown.Collaborators)
	assert.Equal(t, task.ModeTeam, shown.Mode)
}

func TestTaskCreateFromFile(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)

	file := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(file, []byte("id: notes-1\ntitle: Write release notes\nleader: alice\n"), 0o644))

	out, err := env.run(t, "task", "create", "-f", file)
	require.NoError(t, err)
	assert.Equal(t, "notes-1", strings.TrimSpace(out))

	_, err = env.run(t, "task", "create", "-f", file)
	require.ErrorIs(t, err, task.ErrAlreadyExists)
}

func TestTaskCreateRequiresTitle(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)

	_, err := env.run(t, "task", "create", "--leader", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--title or --file is required")
}

func TestSendQueuesMessage(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	out, err := env.run(t, "send", taskID, "Use", "a", "formal", "tone")
	require.NoError(t, err)
	assert.Contains(t, out, "(1 pending)")

	pending, err := mailbox.NewInbox(env.paths(t, taskID).Inbox, nil).Peek()
	require.NoError(t, err)
	assert.Equal(t, []string{"Use a formal tone"}, pending)
}

func TestSendRejectsUnknownTask(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)

	_, err := env.run(t, "send", "missing-task", "hello")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestStatusWithoutWorkspace(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)

	_, err := env.run(t, "status", "missing-task")
	require.ErrorIs(t, err, task.ErrNotFound)
	assert.Contains(t, err.Error(), "no workspace at "+env.root)
}

func TestPauseWritesSignal(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	out, err := env.run(t, "pause", taskID, "-m", "hold on")
	require.NoError(t, err)
	assert.Contains(t, out, "Pause requested for "+taskID)
	assert.NotContains(t, out, "replaced")

	out, err = env.run(t, "pause", taskID, "--message", "wait for legal")
	require.NoError(t, err)
	assert.Contains(t, out, "replaced a pending request")

	sig, ok, err := mailbox.NewPause(env.paths(t, taskID).Pause).Consume()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wait for legal", sig.Message)
}

func TestStatusBeforeStart(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	out, err := env.run(t, "status", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "has not started")
}

func TestStatusShowsRecord(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	rec := progress.NewRecord(taskID, "alice")
	for i := 1; i <= 7; i++ {
		rec.AddCheckpoint(fmt.Sprintf("Step %d", i))
	}
	rec.SetPercent(40)
	rec.MarkWaiting("Which tone?", "")
	require.NoError(t, progress.NewStore(env.paths(t, taskID).Progress).Save(rec))

	out, err := env.run(t, "status", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting_for_human (40%)")
	assert.Contains(t, out, "Question: Which tone?")
	assert.Contains(t, out, "Checkpoints (last 5 of 7)")
	assert.Contains(t, out, "Step 7")
	assert.NotContains(t, out, "Step 2")

	out, err = env.run(t, "status", taskID, "--json")
	require.NoError(t, err)
	var decoded progress.Record
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, progress.StatusWaitingForHuman, decoded.Status)
	assert.Len(t, decoded.Checkpoints, 7)
}

func TestStatusTailsLatestRunOutput(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	out, err := env.run(t, "run", taskID)
	require.NoError(t, err)

	out, err = env.run(t, "status", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, "Last output (run-")
	assert.Contains(t, out, "stdout Drafted the first version")
	assert.NotContains(t, out, "worker started pid=", "supervisor notes stay out of the tail")

	out, err = env.run(t, "status", taskID, "--tail", "0")
	require.NoError(t, err)
	assert.NotContains(t, out, "Last output")
}

func TestResumeRefusesUnstartedAndFinishedTasks(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	_, err := env.run(t, "resume", taskID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no progress record")

	rec := progress.NewRecord(taskID, "alice")
	rec.MarkCompleted("Done")
	require.NoError(t, progress.NewStore(env.paths(t, taskID).Progress).Save(rec))

	_, err = env.run(t, "resume", taskID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestRunCompletesTask(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeComplete)
	taskID := env.createTask(t)

	out, err := env.run(t, "run", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Task %s completed", taskID))

	rec, err := progress.NewStore(env.paths(t, taskID).Progress).Load()
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.PercentComplete)
}

func TestRunReportsFailedTask(t *testing.T) {
	env := newCLIEnv(t, testharness.ModeFail)
	taskID := env.createTask(t)

	out, err := env.run(t, "run", taskID)
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, out, fmt.Sprintf("Task %s failed [process]", taskID))

	_, err = env.run(t, "run", taskID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTaskFailed, "a failed task is refused without --retry")
}
