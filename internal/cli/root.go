package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/featbit/vibeguild-sub001/internal/config"
)

// ErrTaskFailed is returned by run and resume when the task ends failed, so
// the process exits non-zero
var ErrTaskFailed = errors.New("task failed")

var rootCmd = &cobra.Command{
	Use:   "vibeguild",
	Short: "Supervise autonomous workers on guild tasks",
	Long: `vibeguild runs an autonomous worker process on a task, lets an operator
pause it and answer its questions through a file-based mailbox, and makes sure
every run ends with a completed or failed progress record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to vibeguild.yaml/json (default: ./vibeguild.*)")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads and validates configuration, applying flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by configuration
func newLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func exactTaskID(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s requires exactly one task id", cmd.CommandPath())
	}
	return nil
}
