package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/task"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Ask a running worker to stop and wait for the operator",
	Long: `Write a pause signal for a task. The supervisor stops the worker within one
poll interval and turns the pause into a question the operator answers with
'vibeguild send'.`,
	Args: exactTaskID,
	RunE: runPause,
}

var sendCmd = &cobra.Command{
	Use:   "send <task-id> <message...>",
	Short: "Append an operator message to a task's inbox",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func init() {
	pauseCmd.Flags().StringP("message", "m", "", "Note passed to the worker with the pause")
}

func runPause(cmd *cobra.Command, args []string) error {
	message, err := cmd.Flags().GetString("message")
	if err != nil {
		return err
	}

	paths, err := existingTaskPaths(cmd, args[0])
	if err != nil {
		return err
	}

	pause := mailbox.NewPause(paths.Pause)
	replaced := pause.Pending()
	if err := pause.Request(message); err != nil {
		return err
	}

	if replaced {
		fmt.Fprintf(cmd.OutOrStdout(), "Pause requested for %s (replaced a pending request)\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Pause requested for %s\n", args[0])
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args[1:], " "))
	if message == "" {
		return fmt.Errorf("message is empty")
	}

	paths, err := existingTaskPaths(cmd, args[0])
	if err != nil {
		return err
	}

	inbox := mailbox.NewInbox(paths.Inbox, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := inbox.Append(message); err != nil {
		return err
	}

	pending, err := inbox.Peek()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message queued for %s (%d pending)\n", args[0], len(pending))
	return nil
}

// existingTaskPaths resolves the documents of a task that must already exist
func existingTaskPaths(cmd *cobra.Command, taskID string) (workspace.TaskPaths, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return workspace.TaskPaths{}, err
	}

	ok, err := workspace.IsInitialized(cfg.WorkspaceRoot)
	if err != nil {
		return workspace.TaskPaths{}, err
	}
	if !ok {
		return workspace.TaskPaths{}, fmt.Errorf("%w: %s (no workspace at %s, create a task first)", task.ErrNotFound, taskID, cfg.WorkspaceRoot)
	}

	layout := workspace.New(cfg.WorkspaceRoot)
	if _, err := task.NewStore(layout).Load(taskID); err != nil {
		return workspace.TaskPaths{}, err
	}
	return layout.Task(taskID)
}
