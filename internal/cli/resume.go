package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/supervisor"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Continue an interrupted task",
	Long: `Continue a task whose progress record is still open, for example after
the supervisor was interrupted while waiting for an operator answer. Unlike
run, resume refuses tasks that never started or already finished.`,
	Args: exactTaskID,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().Bool("no-repo", false, "Skip repository resolution")
}

func runResume(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	noRepo, err := cmd.Flags().GetBool("no-repo")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	paths, err := workspace.New(cfg.WorkspaceRoot).Task(taskID)
	if err != nil {
		return err
	}

	rec, err := progress.NewStore(paths.Progress).Load()
	if errors.Is(err, progress.ErrNotFound) {
		return fmt.Errorf("task %s has no progress record; start it with 'vibeguild run %s'", taskID, taskID)
	}
	if err != nil {
		return err
	}
	if rec.IsTerminal() {
		return fmt.Errorf("task %s already %s; nothing to resume", taskID, rec.Status)
	}

	return superviseTask(cmd, taskID, supervisor.Options{SkipRepository: noRepo})
}
