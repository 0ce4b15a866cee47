package progress

import (
	"time"
)

// Status represents the overall state of a task run
type Status string

const (
	StatusInProgress      Status = "in-progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusBlocked         Status = "blocked"
	StatusWaitingForHuman Status = "waiting_for_human"
)

// Checkpoint marks one piece of observable progress
type Checkpoint struct {
	At          time.Time `json:"at"`
	Description string    `json:"description"`
}

// Record is the persisted progress document of a task. The worker is its
// primary writer; the supervisor writes it only while no worker is alive.
// Readers must tolerate any optional field being absent.
type Record struct {
	TaskID          string       `json:"taskId"`
	Leader          string       `json:"leader,omitempty"`
	PercentComplete int          `json:"percentComplete"`
	Status          Status       `json:"status"`
	Summary         string       `json:"summary,omitempty"`
	Checkpoints     []Checkpoint `json:"checkpoints,omitempty"`
	Question        string       `json:"question,omitempty"`
	RepoURL         string       `json:"repoUrl,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt,omitempty"`
}

// NewRecord creates an in-progress record for a task
func NewRecord(taskID, leader string) *Record {
	return &Record{
		TaskID:    taskID,
		Leader:    leader,
		Status:    StatusInProgress,
		UpdatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the status can no longer change within a run
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsTerminal reports whether the record has reached completed or failed
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// AddCheckpoint appends a timestamped checkpoint
func (r *Record) AddCheckpoint(description string) {
	now := time.Now().UTC()
	r.Checkpoints = append(r.Checkpoints, Checkpoint{At: now, Description: description})
	r.UpdatedAt = now
}

// SetPercent raises percentComplete; lower values are ignored.
func (r *Record) SetPercent(p int) {
	if p > 100 {
		p = 100
	}
	if p > r.PercentComplete {
		r.PercentComplete = p
	}
}

// MarkInProgress reopens the record for a new run
func (r *Record) MarkInProgress(checkpoint string) {
	r.Status = StatusInProgress
	r.Question = ""
	r.AddCheckpoint(checkpoint)
}

// MarkWaiting records a question the operator must answer
func (r *Record) MarkWaiting(question, checkpoint string) {
	r.Status = StatusWaitingForHuman
	r.Question = question
	if checkpoint != "" {
		r.AddCheckpoint(checkpoint)
	}
}

// MarkFailed records a terminal failure with a human-readable reason
func (r *Record) MarkFailed(summary string) {
	r.Status = StatusFailed
	r.Summary = summary
	r.Question = ""
	r.AddCheckpoint("Run finished: failed")
}

// MarkCompleted records a terminal success
func (r *Record) MarkCompleted(checkpoint string) {
	r.Status = StatusCompleted
	r.PercentComplete = 100
	r.Question = ""
	r.AddCheckpoint(checkpoint)
}
