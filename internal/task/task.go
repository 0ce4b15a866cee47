package task

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Mode selects solo or multi-party execution
type Mode string

const (
	ModeSolo Mode = "solo"
	ModeTeam Mode = "team"
)

// Task is one unit of supervised work. Everything except Repository is
// fixed once the task is created.
type Task struct {
	ID            string    `json:"id" yaml:"id"`
	Title         string    `json:"title" yaml:"title"`
	Description   string    `json:"description,omitempty" yaml:"description"`
	Leader        string    `json:"leader,omitempty" yaml:"leader"`
	Collaborators []string  `json:"collaborators,omitempty" yaml:"collaborators"`
	Mode          Mode      `json:"mode,omitempty" yaml:"mode"`
	Repository    string    `json:"repository,omitempty" yaml:"repository"`
	CreatedAt     time.Time `json:"createdAt" yaml:"-"`
}

// New creates a task with a fresh ID
func New(title, description, leader string, collaborators []string) *Task {
	t := &Task{
		ID:            uuid.New().String(),
		Title:         title,
		Description:   description,
		Leader:        leader,
		Collaborators: collaborators,
		CreatedAt:     time.Now().UTC(),
	}
	t.Normalize()
	return t
}

// Normalize fills defaults: an ID when missing and the execution mode
// implied by the roster.
func (t *Task) Normalize() {
	t.Title = strings.TrimSpace(t.Title)
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Mode == "" {
		if len(t.Collaborators) > 0 {
			t.Mode = ModeTeam
		} else {
			t.Mode = ModeSolo
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}

// Validate checks the task for errors
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task: title is required")
	}
	switch t.Mode {
	case ModeSolo, ModeTeam:
	default:
		return fmt.Errorf("task: invalid mode %q (valid: solo, team)", t.Mode)
	}
	return nil
}

// Roster returns the leader followed by the collaborators
func (t *Task) Roster() []string {
	roster := make([]string, 0, 1+len(t.Collaborators))
	if t.Leader != "" {
		roster = append(roster, t.Leader)
	}
	for _, c := range t.Collaborators {
		if c != "" && c != t.Leader {
			roster = append(roster, c)
		}
	}
	return roster
}

// LoadFile parses a YAML task definition
func LoadFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
