package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CIHEAL_"

// Load reads and parses a configuration from the given YAML file path and
// applies defaults to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parsing config YAML %s: %w", path, err)}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first config found in the standard locations:
// ./ciheal.yaml, then ~/.ciheal/config.yaml. With neither present it returns
// the defaults.
func LoadDefault() (*Config, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SearchPaths lists the locations LoadDefault tries, in order.
func SearchPaths() []string {
	candidates := []string{"ciheal.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".ciheal", "config.yaml"))
	}
	return candidates
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// envOverrides mirrors the overridable settings. Zero values mean "not set".
type envOverrides struct {
	Repo          string        `env:"REPO"`
	PR            int           `env:"PR"`
	Provider      string        `env:"PROVIDER"`
	AgentBackend  string        `env:"AGENT_BACKEND"`
	AgentCommand  string        `env:"AGENT_COMMAND"`
	AgentModel    string        `env:"AGENT_MODEL"`
	AgentTimeout  time.Duration `env:"AGENT_TIMEOUT"`
	MaxIterations int           `env:"MAX_ITERATIONS"`
	Interval      time.Duration `env:"INTERVAL"`
	MaxRetries    int           `env:"MAX_RETRIES"`
	BaseDelay     time.Duration `env:"BASE_DELAY"`
	Strict        bool          `env:"STRICT_VALIDATION"`
	StateDir      string        `env:"STATE_DIR"`
	Database      string        `env:"DATABASE"`
	MetricsFile   string        `env:"METRICS_FILE"`
	LogFormat     string        `env:"LOG_FORMAT"`
	PRComment     bool          `env:"PR_COMMENT"`
}

// ApplyEnv overlays CIHEAL_* environment variables onto cfg.
func ApplyEnv(ctx context.Context, cfg *Config) error {
	return applyEnv(ctx, cfg, envconfig.OsLookuper())
}

func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	var ov envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &ov,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return &ConfigError{Err: fmt.Errorf("processing environment: %w", err)}
	}

	setString(&cfg.Repo, ov.Repo)
	setInt(&cfg.PR, ov.PR)
	setString(&cfg.Provider, ov.Provider)
	setString(&cfg.Agent.Backend, ov.AgentBackend)
	setString(&cfg.Agent.Command, ov.AgentCommand)
	setString(&cfg.Agent.Model, ov.AgentModel)
	setDuration(&cfg.Agent.Timeout, ov.AgentTimeout)
	setInt(&cfg.Loop.MaxIterations, ov.MaxIterations)
	setDuration(&cfg.Loop.Interval, ov.Interval)
	setInt(&cfg.Retry.MaxRetries, ov.MaxRetries)
	setDuration(&cfg.Retry.BaseDelay, ov.BaseDelay)
	if ov.Strict {
		cfg.Validation.Strict = true
	}
	setString(&cfg.State.Dir, ov.StateDir)
	setString(&cfg.State.Database, ov.Database)
	setString(&cfg.State.MetricsFile, ov.MetricsFile)
	setString(&cfg.Log.Format, ov.LogFormat)
	if ov.PRComment {
		cfg.Report.PRComment = true
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "gh"
	}

	a := &cfg.Agent
	if a.Backend == "" {
		a.Backend = "cli"
	}
	if a.Command == "" {
		a.Command = "cursor-agent"
	}
	if a.Model == "" && a.Backend == "api" {
		a.Model = "claude-sonnet-4-5"
	}
	if a.Timeout == 0 {
		a.Timeout = 5 * time.Minute
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 8192
	}
	if a.CommitLimit == 0 {
		a.CommitLimit = 10
	}

	l := &cfg.Loop
	if l.MaxIterations == 0 {
		l.MaxIterations = 5
	}
	if l.Interval == 0 {
		l.Interval = 60 * time.Second
	}
	if l.RunLimit == 0 {
		l.RunLimit = 20
	}

	r := &cfg.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.Threshold == 0 {
		r.Threshold = 5
	}

	c := &cfg.Credentials
	if c.EnvVar == "" {
		c.EnvVar = "CURSOR_API_KEY"
	}

	s := &cfg.State
	if s.Dir == "" {
		s.Dir = ".ciheal"
	}
	if s.Database == "" {
		s.Database = filepath.Join(s.Dir, "events.db")
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
