package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/eventlog"
	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

// recentCheckpoints bounds the checkpoints printed by status
const recentCheckpoints = 5

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the progress record of a task",
	Args:  exactTaskID,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw progress record")
	statusCmd.Flags().Int("tail", 5, "Lines of worker output to show from the latest run (0 to hide)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	tail, err := cmd.Flags().GetInt("tail")
	if err != nil {
		return err
	}

	paths, err := existingTaskPaths(cmd, taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	rec, err := progress.NewStore(paths.Progress).Load()
	if errors.Is(err, progress.ErrNotFound) {
		fmt.Fprintf(out, "Task %s has not started\n", taskID)
		return nil
	}
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode progress record: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	printRecord(out, rec)

	if mailbox.NewPause(paths.Pause).Pending() {
		fmt.Fprintln(out, "Pause:    requested, not yet picked up")
	}

	if tail > 0 {
		return printLastOutput(out, paths, tail)
	}
	return nil
}

// printLastOutput shows the final worker lines of the most recent run
func printLastOutput(w io.Writer, paths workspace.TaskPaths, n int) error {
	logPath, err := eventlog.LatestLog(paths.LogDir)
	if err != nil || logPath == "" {
		return err
	}

	// A log cut off mid-write still yields the entries before the damage
	entries, err := eventlog.ReadEntries(logPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil && len(entries) == 0 {
		return fmt.Errorf("failed to read run log: %w", err)
	}

	var lines []eventlog.Entry
	for _, e := range entries {
		if e.Stream != eventlog.StreamSupervisor {
			lines = append(lines, e)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	runID := strings.TrimSuffix(filepath.Base(logPath), filepath.Ext(logPath))
	fmt.Fprintf(w, "Last output (%s):\n", runID)
	faint := color.New(color.Faint)
	for _, e := range lines {
		faint.Fprintf(w, "  %s ", e.Stream)
		fmt.Fprintln(w, e.Line)
	}
	return nil
}

func statusColor(s progress.Status) *color.Color {
	switch s {
	case progress.StatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case progress.StatusFailed, progress.StatusBlocked:
		return color.New(color.FgRed, color.Bold)
	case progress.StatusWaitingForHuman:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}

func printRecord(w io.Writer, rec *progress.Record) {
	fmt.Fprintf(w, "Task:     %s\n", rec.TaskID)
	fmt.Fprint(w, "Status:   ")
	statusColor(rec.Status).Fprintf(w, "%s", rec.Status)
	fmt.Fprintf(w, " (%d%%)\n", rec.PercentComplete)

	if rec.Leader != "" {
		fmt.Fprintf(w, "Leader:   %s\n", rec.Leader)
	}
	if rec.RepoURL != "" {
		fmt.Fprintf(w, "Repo:     %s\n", rec.RepoURL)
	}
	if rec.Summary != "" {
		fmt.Fprintf(w, "Summary:  %s\n", rec.Summary)
	}
	if rec.Question != "" {
		fmt.Fprint(w, "Question: ")
		color.New(color.FgYellow).Fprintln(w, rec.Question)
	}
	if !rec.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:  %s\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}

	checkpoints := rec.Checkpoints
	if len(checkpoints) == 0 {
		return
	}
	if len(checkpoints) > recentCheckpoints {
		fmt.Fprintf(w, "Checkpoints (last %d of %d):\n", recentCheckpoints, len(checkpoints))
		checkpoints = checkpoints[len(checkpoints)-recentCheckpoints:]
	} else {
		fmt.Fprintln(w, "Checkpoints:")
	}
	faint := color.New(color.Faint)
	for _, cp := range checkpoints {
		faint.Fprintf(w, "  %s ", cp.At.Local().Format("15:04:05"))
		fmt.Fprintln(w, cp.Description)
	}
}
