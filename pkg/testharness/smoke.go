package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/config"
	"github.com/featbit/vibeguild-sub001/internal/fsutil"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

// Scenario defines a deterministic smoke-test flow driven by fakeworker modes.
type Scenario struct {
	Name           string
	TaskID         string
	WorkerMode     string
	WorkerArgs     []string
	CapabilityArgs []string
	ExpectStatus   progress.Status
}

var (
	// ScenarioComplete exercises the happy path: one run with real work.
	ScenarioComplete = Scenario{
		Name:         "complete",
		TaskID:       "smoke-complete",
		WorkerMode:   ModeComplete,
		ExpectStatus: progress.StatusCompleted,
	}
	// ScenarioSilentExit validates the retry without capabilities.
	ScenarioSilentExit = Scenario{
		Name:           "silent-exit",
		TaskID:         "smoke-silent",
		WorkerMode:     ModeSilent,
		CapabilityArgs: []string{"--cap"},
		ExpectStatus:   progress.StatusCompleted,
	}
	// ScenarioRemediation validates that an idle worker is sent back to work.
	ScenarioRemediation = Scenario{
		Name:         "remediation",
		TaskID:       "smoke-idle",
		WorkerMode:   ModeIdle,
		ExpectStatus: progress.StatusCompleted,
	}
	// ScenarioWorkerFailure validates that a crashing worker ends failed.
	ScenarioWorkerFailure = Scenario{
		Name:         "worker-failure",
		TaskID:       "smoke-fail",
		WorkerMode:   ModeFail,
		ExpectStatus: progress.StatusFailed,
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario         Scenario
	VibeguildBinary  string
	FakeWorkerBinary string
	WorkspaceDir     string
	Env              map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	Record     *progress.Record
	Prompts    []PromptRecord
	RunLogs    []string
	ConfigPath string
}

// RunSmoke creates the scenario task and supervises it with the built binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.VibeguildBinary == "" {
		return nil, fmt.Errorf("vibeguild binary path is required")
	}
	if opts.FakeWorkerBinary == "" {
		return nil, fmt.Errorf("fakeworker binary path is required")
	}
	if opts.Scenario.TaskID == "" {
		return nil, fmt.Errorf("scenario task ID is required")
	}

	dir := opts.WorkspaceDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "vibeguild-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	promptsPath := filepath.Join(dir, "prompts.ndjson")

	cfg := config.Default()
	cfg.WorkspaceRoot = "."
	cfg.Hosting.Enabled = false
	cfg.Worker.Cmd = buildWorkerCommand(opts.FakeWorkerBinary, opts.Scenario.WorkerMode, promptsPath, opts.Scenario.WorkerArgs)
	cfg.Worker.CapabilityArgs = opts.Scenario.CapabilityArgs
	cfg.Timeouts.Run = time.Minute
	cfg.Timeouts.AlignmentRun = time.Minute
	cfg.Timeouts.InboxWait = 5 * time.Second
	cfg.Timeouts.Grace = time.Second
	cfg.Timeouts.PollInterval = 100 * time.Millisecond

	configPath := filepath.Join(dir, "vibeguild-smoke.json")
	if err := writeConfig(configPath, cfg); err != nil {
		return nil, err
	}

	taskPath := filepath.Join(dir, "smoke-task.yaml")
	taskDoc := fmt.Sprintf("id: %s\ntitle: %q\nleader: smoke\n", opts.Scenario.TaskID, "Smoke scenario: "+opts.Scenario.Name)
	if err := fsutil.AtomicWrite(taskPath, []byte(taskDoc)); err != nil {
		return nil, fmt.Errorf("failed to write task definition: %w", err)
	}

	env := mergeEnv(os.Environ(), opts.Env)

	create := exec.CommandContext(ctx, opts.VibeguildBinary, "--config", configPath, "task", "create", "-f", taskPath)
	create.Dir = dir
	create.Env = env
	if out, err := create.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("task create failed: %w\n%s", err, out)
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, opts.VibeguildBinary, "--config", configPath, "run", opts.Scenario.TaskID)
	cmd.Dir = dir
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	cmd.Env = env

	runErr := cmd.Run()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  dir,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	paths, err := workspace.New(dir).Task(opts.Scenario.TaskID)
	if err != nil {
		return nil, err
	}
	if rec, err := progress.NewStore(paths.Progress).Load(); err == nil {
		result.Record = rec
	}
	if prompts, err := ReadPromptRecords(promptsPath); err == nil {
		result.Prompts = prompts
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	result.RunLogs, err = filepath.Glob(filepath.Join(paths.LogDir, "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}

	return result, nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return fsutil.AtomicWrite(path, append(data, '\n'))
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}

func buildWorkerCommand(binary, mode, recordPath string, extra []string) []string {
	cmd := []string{binary, "--mode", mode, "--record", recordPath}
	if len(extra) > 0 {
		cmd = append(cmd, extra...)
	}
	return cmd
}
