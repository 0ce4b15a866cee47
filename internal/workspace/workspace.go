package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/featbit/vibeguild-sub001/internal/fsutil"
)

// File names inside a task directory
const (
	TaskFile     = "task.json"
	ProgressFile = "progress.json"
	InboxFile    = "inbox.json"
	PauseFile    = "pause.json"
)

// GetRequiredDirectories returns the directories every vibeguild workspace must have
func GetRequiredDirectories() []string {
	return []string{
		"tasks", // /tasks/<task_id>/{task,progress,inbox,pause}.json
		"logs",  // /logs/<task_id>/<run_id>.ndjson (append-only worker output)
	}
}

// Initialize creates all required workspace directories with 0700 permissions.
// It is idempotent.
func Initialize(workspaceRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// Layout resolves the per-task paths of the state store.
type Layout struct {
	Root string
}

// New returns the layout rooted at workspaceRoot
func New(workspaceRoot string) Layout {
	return Layout{Root: workspaceRoot}
}

// ValidateTaskID rejects IDs that cannot be used as a single directory name.
func ValidateTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}
	if taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return nil
}

// TaskDir returns the directory holding a task's documents.
func (l Layout) TaskDir(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	return fsutil.ResolveWorkspacePath(l.Root, filepath.Join("tasks", taskID))
}

// TaskPaths bundles every document path of one task.
type TaskPaths struct {
	Dir      string
	Task     string
	Progress string
	Inbox    string
	Pause    string
	LogDir   string
}

// Task returns all document paths for taskID.
func (l Layout) Task(taskID string) (TaskPaths, error) {
	dir, err := l.TaskDir(taskID)
	if err != nil {
		return TaskPaths{}, err
	}
	logDir, err := fsutil.ResolveWorkspacePath(l.Root, filepath.Join("logs", taskID))
	if err != nil {
		return TaskPaths{}, err
	}

	return TaskPaths{
		Dir:      dir,
		Task:     filepath.Join(dir, TaskFile),
		Progress: filepath.Join(dir, ProgressFile),
		Inbox:    filepath.Join(dir, InboxFile),
		Pause:    filepath.Join(dir, PauseFile),
		LogDir:   logDir,
	}, nil
}

// RunLogPath returns the event log path for one run of a task
func (p TaskPaths) RunLogPath(runID string) string {
	return filepath.Join(p.LogDir, runID+".ndjson")
}
