// Package prompt builds the text handed to the worker process.
package prompt

import (
	"fmt"
	"strings"

	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/task"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

// Exchange is one answered alignment question
type Exchange struct {
	Question string
	Answer   string
}

// Context is what every prompt needs to know about the task
type Context struct {
	Task    *task.Task
	Paths   workspace.TaskPaths
	RepoURL string
}

// progressSchema documents the progress record the worker must maintain
const progressSchema = `{
  "taskId": "<task id>",
  "leader": "<leader>",
  "percentComplete": 0,
  "status": "in-progress | completed | failed | blocked | waiting_for_human",
  "summary": "<one-paragraph description of where the work stands>",
  "checkpoints": [
    {"at": "<RFC3339 timestamp>", "description": "<what was just done>"}
  ],
  "question": "<only while status is waiting_for_human>",
  "repoUrl": "<repository url>"
}`

// Briefing is the initial prompt for a task
func Briefing(c Context) string {
	var sb strings.Builder

	sb.WriteString("You are working autonomously on a task for a guild of collaborators.\n\n")
	writeTaskHeader(&sb, c)
	writeProgressRules(&sb, c)

	sb.WriteString("## Alignment\n\n")
	sb.WriteString("If you cannot proceed without a decision from a human, stop and write the progress record with\n")
	fmt.Fprintf(&sb, "\"status\": %q and your question in \"question\". Then exit. Answers arrive in %s\n", progress.StatusWaitingForHuman, c.Paths.Inbox)
	sb.WriteString("and you will be started again with the conversation so far.\n\n")

	sb.WriteString("## Finishing\n\n")
	fmt.Fprintf(&sb, "When the work is done set \"status\": %q, \"percentComplete\": 100 and a final checkpoint.\n", progress.StatusCompleted)
	fmt.Fprintf(&sb, "If the work cannot be done set \"status\": %q and explain why in \"summary\".\n", progress.StatusFailed)

	return sb.String()
}

// Resume continues a task after the operator answered one or more questions
func Resume(c Context, history []Exchange) string {
	var sb strings.Builder

	sb.WriteString("You are resuming a task that paused to align with a human.\n\n")
	writeTaskHeader(&sb, c)

	sb.WriteString("## Conversation so far\n\n")
	for i, ex := range history {
		fmt.Fprintf(&sb, "Round %d\n", i+1)
		fmt.Fprintf(&sb, "  You asked: %s\n", indent(ex.Question))
		fmt.Fprintf(&sb, "  Human answered: %s\n\n", indent(ex.Answer))
	}

	sb.WriteString("## What to do now\n\n")
	sb.WriteString("Read the latest answer and update the progress record before doing anything else. You must do exactly one of:\n")
	fmt.Fprintf(&sb, "  (a) keep \"status\": %q and write an acknowledgement or a follow-up question in \"question\", then exit; or\n", progress.StatusWaitingForHuman)
	fmt.Fprintf(&sb, "  (b) set \"status\": %q, but only if the human explicitly confirmed you should proceed, then continue the work.\n", progress.StatusInProgress)
	sb.WriteString("Never resume work silently without recording which of the two you chose.\n\n")

	writeProgressRules(&sb, c)
	return sb.String()
}

// Remediation asks the worker to produce evidence after a run that left none
func Remediation(c Context, attempt, maxAttempts int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Remediation attempt %d of %d.\n\n", attempt, maxAttempts)
	sb.WriteString("Your previous run ended without recording any real progress on this task.\n\n")
	writeTaskHeader(&sb, c)

	sb.WriteString("## Required now\n\n")
	sb.WriteString("Take one concrete action toward the task, then append a checkpoint describing it to the progress record.\n")
	fmt.Fprintf(&sb, "If the task cannot be done, set \"status\": %q with the reason in \"summary\" instead.\n", progress.StatusFailed)
	sb.WriteString("Do not exit without changing the progress record.\n\n")

	writeProgressRules(&sb, c)
	return sb.String()
}

// PauseQuestion is the question recorded when an operator pauses a run
func PauseQuestion(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "The run was paused by an operator. Summarize where you are and ask how to continue."
	}
	return fmt.Sprintf("The run was paused by an operator with the note: %q. Acknowledge it and ask how to continue.", message)
}

func writeTaskHeader(sb *strings.Builder, c Context) {
	t := c.Task

	sb.WriteString("## Task\n\n")
	fmt.Fprintf(sb, "Title: %s\n", t.Title)
	fmt.Fprintf(sb, "ID: %s\n", t.ID)
	if t.Description != "" {
		fmt.Fprintf(sb, "Description:\n%s\n", indent(t.Description))
	}
	if c.RepoURL != "" {
		fmt.Fprintf(sb, "Repository: %s\n", c.RepoURL)
	}

	roster := t.Roster()
	switch {
	case t.Mode == task.ModeTeam && len(roster) > 0:
		fmt.Fprintf(sb, "Mode: team. Leader: %s. Members: %s\n", displayName(t.Leader), strings.Join(roster, ", "))
		sb.WriteString("The leader owns the progress record; record which member did what in your checkpoints.\n")
	default:
		fmt.Fprintf(sb, "Mode: solo. Leader: %s\n", displayName(t.Leader))
	}
	sb.WriteString("\n")
}

func writeProgressRules(sb *strings.Builder, c Context) {
	sb.WriteString("## Progress record\n\n")
	fmt.Fprintf(sb, "Keep %s current. It is the only way anyone can see what you are doing.\n", c.Paths.Progress)
	sb.WriteString("Write it as a whole JSON document with this shape:\n\n")
	sb.WriteString(progressSchema)
	sb.WriteString("\n\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Append a checkpoint after every meaningful step. Checkpoints that only say a run started or finished do not count as progress.\n")
	sb.WriteString("- percentComplete never goes down.\n")
	sb.WriteString("- Keep earlier checkpoints; only append.\n\n")
}

func displayName(name string) string {
	if name == "" {
		return "(unassigned)"
	}
	return name
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n    ")
}
