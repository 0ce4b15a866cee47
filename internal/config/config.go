package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredentials is returned when hosting is enabled without a token
var ErrMissingCredentials = errors.New("missing hosting credentials")

// EnvPrefix prefixes every environment override (VIBEGUILD_TIMEOUTS_RUN, ...)
const EnvPrefix = "VIBEGUILD"

// Config is the supervisor configuration
type Config struct {
	WorkspaceRoot string     `mapstructure:"workspace_root" json:"workspace_root"`
	Worker        Worker     `mapstructure:"worker" json:"worker"`
	Timeouts      Timeouts   `mapstructure:"timeouts" json:"timeouts"`
	Alignment     Alignment  `mapstructure:"alignment" json:"alignment"`
	Validation    Validation `mapstructure:"validation" json:"validation"`
	Hosting       Hosting    `mapstructure:"hosting" json:"hosting"`
	Logging       Logging    `mapstructure:"logging" json:"logging"`
	Metrics       Metrics    `mapstructure:"metrics" json:"metrics"`
}

// Worker describes how the supervised process is launched. The prompt is
// always appended as the final argument. Env holds KEY=VALUE entries; a list
// keeps variable names case-sensitive.
type Worker struct {
	Cmd            []string `mapstructure:"cmd" json:"cmd"`
	CapabilityArgs []string `mapstructure:"capability_args" json:"capability_args"`
	Env            []string `mapstructure:"env" json:"env"`
}

// Timeouts groups every locally enforced deadline
type Timeouts struct {
	Run          time.Duration `mapstructure:"run" json:"run"`
	AlignmentRun time.Duration `mapstructure:"alignment_run" json:"alignment_run"`
	InboxWait    time.Duration `mapstructure:"inbox_wait" json:"inbox_wait"`
	Grace        time.Duration `mapstructure:"grace" json:"grace"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

type Alignment struct {
	MaxRounds int `mapstructure:"max_rounds" json:"max_rounds"`
}

type Validation struct {
	MaxRemediations int `mapstructure:"max_remediations" json:"max_remediations"`
}

// Hosting configures the repository hosting API
type Hosting struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled"`
	APIURL            string  `mapstructure:"api_url" json:"api_url"`
	Org               string  `mapstructure:"org" json:"org"`
	Token             string  `mapstructure:"token" json:"-"`
	Private           bool    `mapstructure:"private" json:"private"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

type Logging struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

type Metrics struct {
	Textfile string `mapstructure:"textfile" json:"textfile"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		WorkspaceRoot: ".vibeguild",
		Worker: Worker{
			Cmd:            []string{"claude", "--print", "--dangerously-skip-permissions"},
			CapabilityArgs: []string{},
			Env:            []string{},
		},
		Timeouts: Timeouts{
			Run:          60 * time.Minute,
			AlignmentRun: 20 * time.Minute,
			InboxWait:    30 * time.Minute,
			Grace:        10 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Alignment:  Alignment{MaxRounds: 10},
		Validation: Validation{MaxRemediations: 1},
		Hosting: Hosting{
			Enabled:           true,
			APIURL:            "https://api.github.com",
			Private:           true,
			RequestsPerSecond: 5,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// setDefaults registers every key so environment overrides resolve on Unmarshal
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("workspace_root", d.WorkspaceRoot)

	v.SetDefault("worker.cmd", d.Worker.Cmd)
	v.SetDefault("worker.capability_args", d.Worker.CapabilityArgs)
	v.SetDefault("worker.env", d.Worker.Env)

	v.SetDefault("timeouts.run", d.Timeouts.Run)
	v.SetDefault("timeouts.alignment_run", d.Timeouts.AlignmentRun)
	v.SetDefault("timeouts.inbox_wait", d.Timeouts.InboxWait)
	v.SetDefault("timeouts.grace", d.Timeouts.Grace)
	v.SetDefault("timeouts.poll_interval", d.Timeouts.PollInterval)

	v.SetDefault("alignment.max_rounds", d.Alignment.MaxRounds)
	v.SetDefault("validation.max_remediations", d.Validation.MaxRemediations)

	v.SetDefault("hosting.enabled", d.Hosting.Enabled)
	v.SetDefault("hosting.api_url", d.Hosting.APIURL)
	v.SetDefault("hosting.org", d.Hosting.Org)
	v.SetDefault("hosting.token", d.Hosting.Token)
	v.SetDefault("hosting.private", d.Hosting.Private)
	v.SetDefault("hosting.requests_per_second", d.Hosting.RequestsPerSecond)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Load reads configuration from defaults, an optional file and the
// environment, in increasing precedence. An empty path searches the current
// directory for vibeguild.{yaml,yml,json}; finding nothing there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("hosting.token", EnvPrefix+"_HOSTING_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind hosting token: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("vibeguild")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and returns user-facing errors
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("configuration error: missing required field 'workspace_root'\n\nHint: Point it at a writable directory:\n  workspace_root: .vibeguild")
	}

	if len(c.Worker.Cmd) == 0 || strings.TrimSpace(c.Worker.Cmd[0]) == "" {
		return fmt.Errorf("configuration error: 'worker.cmd' is empty\n\nHint: Specify the worker command; the prompt is appended as the last argument:\n  worker:\n    cmd: [\"claude\", \"--print\"]")
	}

	timeouts := []struct {
		key string
		val time.Duration
	}{
		{"timeouts.run", c.Timeouts.Run},
		{"timeouts.alignment_run", c.Timeouts.AlignmentRun},
		{"timeouts.inbox_wait", c.Timeouts.InboxWait},
		{"timeouts.grace", c.Timeouts.Grace},
		{"timeouts.poll_interval", c.Timeouts.PollInterval},
	}
	for _, t := range timeouts {
		if t.val <= 0 {
			return fmt.Errorf("configuration error: invalid '%s' value: %s\n\nHint: Use a positive duration such as \"30m\" or \"2s\"", t.key, t.val)
		}
	}

	for _, kv := range c.Worker.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("configuration error: invalid 'worker.env' entry %q\n\nHint: Use KEY=VALUE entries:\n  worker:\n    env: [\"LOG_LEVEL=debug\"]", kv)
		}
	}

	if c.Alignment.MaxRounds < 1 {
		return fmt.Errorf("configuration error: invalid 'alignment.max_rounds' value: %d\n\nHint: Allow at least one round:\n  alignment:\n    max_rounds: 10", c.Alignment.MaxRounds)
	}

	if c.Validation.MaxRemediations < 0 {
		return fmt.Errorf("configuration error: invalid 'validation.max_remediations' value: %d\n\nHint: Use 0 to disable remediation retries", c.Validation.MaxRemediations)
	}

	if c.Hosting.Enabled {
		if c.Hosting.APIURL == "" {
			return fmt.Errorf("configuration error: missing 'hosting.api_url'\n\nHint: Set the hosting API base URL:\n  hosting:\n    api_url: https://api.github.com")
		}
		if c.Hosting.RequestsPerSecond <= 0 {
			return fmt.Errorf("configuration error: invalid 'hosting.requests_per_second' value: %v\n\nHint: Use a positive rate such as 5", c.Hosting.RequestsPerSecond)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'logging.format' value: %q\n\nHint: Use \"text\" or \"json\"", c.Logging.Format)
	}

	return nil
}

// RequireHostingCredentials fails fast when repository resolution is enabled
// but no token was configured
func (c *Config) RequireHostingCredentials() error {
	if !c.Hosting.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Hosting.Token) == "" {
		return fmt.Errorf("%w: set GITHUB_TOKEN or %s_HOSTING_TOKEN, or disable hosting with --no-repo", ErrMissingCredentials, EnvPrefix)
	}
	return nil
}
