package task

import (
	"errors"
	"fmt"
	"os"

	"github.com/featbit/vibeguild-sub001/internal/fsutil"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

var (
	// ErrNotFound is returned when a task document does not exist
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned when creating a task whose ID is taken
	ErrAlreadyExists = errors.New("task already exists")

	// ErrRepositoryAlreadySet is returned when a different repository is
	// assigned to a task that already has one
	ErrRepositoryAlreadySet = errors.New("task repository already set")
)

// Store persists task documents in the workspace
type Store struct {
	layout workspace.Layout
}

// NewStore returns a store over the given workspace layout
func NewStore(layout workspace.Layout) *Store {
	return &Store{layout: layout}
}

func (s *Store) path(taskID string) (string, error) {
	paths, err := s.layout.Task(taskID)
	if err != nil {
		return "", err
	}
	return paths.Task, nil
}

// Create writes a new task document
func (s *Store) Create(t *Task) error {
	t.Normalize()
	if err := t.Validate(); err != nil {
		return err
	}

	path, err := s.path(t.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}

	return fsutil.AtomicWriteJSON(path, t)
}

// Load reads a task document
func (s *Store) Load(taskID string) (*Task, error) {
	path, err := s.path(taskID)
	if err != nil {
		return nil, err
	}

	var t Task
	if err := fsutil.ReadJSON(path, &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	return &t, nil
}

// SetRepository records the task's resolved repository. It is set at most
// once: repeating the same value is a no-op, a different value is rejected.
func (s *Store) SetRepository(taskID, repoURL string) (*Task, error) {
	t, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}

	switch t.Repository {
	case repoURL:
		return t, nil
	case "":
		t.Repository = repoURL
	default:
		return nil, fmt.Errorf("%w: %s has %s", ErrRepositoryAlreadySet, taskID, t.Repository)
	}

	path, err := s.path(taskID)
	if err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWriteJSON(path, t); err != nil {
		return nil, err
	}
	return t, nil
}
