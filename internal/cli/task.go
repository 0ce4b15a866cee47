package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/task"
	"github.com/featbit/vibeguild-sub001/internal/workspace"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task and print its id",
	Long: `Create a task from flags or from a YAML definition:

  id: optional, generated when absent
  title: Write release notes
  description: Summarize the changes since the last tag
  leader: alice
  collaborators: [bob]
  mode: team`,
	Args: cobra.NoArgs,
	RunE: runTaskCreate,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print a task document",
	Args:  exactTaskID,
	RunE:  runTaskShow,
}

func init() {
	taskCreateCmd.Flags().StringP("file", "f", "", "YAML task definition")
	taskCreateCmd.Flags().String("title", "", "Task title")
	taskCreateCmd.Flags().String("description", "", "Free-text description")
	taskCreateCmd.Flags().String("leader", "", "Leader identity")
	taskCreateCmd.Flags().StringSlice("collaborator", nil, "Collaborator identity (repeatable)")
	taskCreateCmd.Flags().String("mode", "", "Execution mode: solo or team (default: inferred from collaborators)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskShowCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	t, err := taskFromFlags(cmd)
	if err != nil {
		return err
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	if err := task.NewStore(workspace.New(cfg.WorkspaceRoot)).Create(t); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), t.ID)
	return nil
}

func taskFromFlags(cmd *cobra.Command) (*task.Task, error) {
	flags := cmd.Flags()

	file, err := flags.GetString("file")
	if err != nil {
		return nil, err
	}
	if file != "" {
		return task.LoadFile(file)
	}

	title, _ := flags.GetString("title")
	description, _ := flags.GetString("description")
	leader, _ := flags.GetString("leader")
	collaborators, _ := flags.GetStringSlice("collaborator")
	mode, _ := flags.GetString("mode")

	if title == "" {
		return nil, fmt.Errorf("--title or --file is required")
	}

	t := task.New(title, description, leader, collaborators)
	if mode != "" {
		t.Mode = task.Mode(mode)
	}
	return t, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	t, err := task.NewStore(workspace.New(cfg.WorkspaceRoot)).Load(args[0])
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
