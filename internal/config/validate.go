package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigError is fatal: the controller refuses to start.
type ConfigError struct {
	Problems []ValidationError
	Err      error
}

func (e *ConfigError) Error() string {
	var parts []string
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "config error: " + strings.Join(parts, "; ")
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	knownProviders = map[string]bool{"gh": true, "api": true}
	knownBackends  = map[string]bool{"cli": true, "api": true, "none": true}
	knownFormats   = map[string]bool{"text": true, "json": true}
)

// Validate checks a Config for semantic errors.
// It returns every problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Repo != "" && strings.Count(cfg.Repo, "/") != 1 {
		add("repo", "must be owner/name, got %q", cfg.Repo)
	}
	if cfg.PR < 0 {
		add("pr", "cannot be negative")
	}
	if !knownProviders[cfg.Provider] {
		add("provider", "unknown provider %q (want gh or api)", cfg.Provider)
	}
	if cfg.Provider == "api" && cfg.Repo == "" {
		add("repo", "is required when provider is api")
	}

	if !knownBackends[cfg.Agent.Backend] {
		add("agent.backend", "unknown backend %q (want cli, api or none)", cfg.Agent.Backend)
	}
	if cfg.Agent.Backend == "cli" && cfg.Agent.Command == "" {
		add("agent.command", "is required for the cli backend")
	}
	if cfg.Agent.Timeout <= 0 {
		add("agent.timeout", "must be positive")
	}
	if cfg.Agent.CommitLimit < 0 {
		add("agent.commit_limit", "cannot be negative")
	}

	if cfg.Loop.MaxIterations < 1 {
		add("loop.max_iterations", "must be at least 1")
	}
	if cfg.Loop.Interval < 0 {
		add("loop.interval", "cannot be negative")
	}
	if cfg.Loop.RunLimit < 1 {
		add("loop.run_limit", "must be at least 1")
	}

	if cfg.Retry.MaxRetries < 1 {
		add("retry.max_retries", "must be at least 1")
	}
	if cfg.Retry.BaseDelay < 0 {
		add("retry.base_delay", "cannot be negative")
	}
	if cfg.Retry.Threshold < 1 {
		add("retry.threshold", "must be at least 1")
	}

	if cfg.Credentials.EnvVar == "" && cfg.Credentials.File == "" && cfg.Agent.Backend != "none" {
		add("credentials", "either env_var or file is required")
	}
	if cfg.State.Dir == "" {
		add("state.dir", "is required")
	}
	if !knownFormats[cfg.Log.Format] {
		add("log.format", "unknown format %q (want text or json)", cfg.Log.Format)
	}

	return errs
}

// Check validates cfg and returns a ConfigError when anything is wrong.
func Check(cfg *Config) error {
	if errs := Validate(cfg); len(errs) > 0 {
		return &ConfigError{Problems: errs}
	}
	return nil
}
