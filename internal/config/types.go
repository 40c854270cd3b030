package config

import "time"

// Config is the top-level configuration parsed from ciheal.yaml.
type Config struct {
	Repo        string            `yaml:"repo" json:"repo"`
	PR          int               `yaml:"pr" json:"pr"`
	Provider    string            `yaml:"provider" json:"provider"` // "gh" or "api"
	Agent       AgentConfig       `yaml:"agent" json:"agent"`
	Loop        LoopConfig        `yaml:"loop" json:"loop"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Validation  ValidationConfig  `yaml:"validation" json:"validation"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	State       StateConfig       `yaml:"state" json:"state"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Report      ReportConfig      `yaml:"report" json:"report"`
}

// AgentConfig selects and tunes the reasoning agent.
type AgentConfig struct {
	Backend     string        `yaml:"backend" json:"backend"` // "cli", "api" or "none"
	Command     string        `yaml:"command" json:"command"`
	Model       string        `yaml:"model" json:"model"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	CommitLimit int           `yaml:"commit_limit" json:"commit_limit"`
}

// LoopConfig bounds the orchestrator loop.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations" json:"max_iterations"`
	Interval      time.Duration `yaml:"interval" json:"interval"`
	RunLimit      int           `yaml:"run_limit" json:"run_limit"`
}

// RetryConfig parameterizes backoff and the circuit breaker.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	Threshold  int           `yaml:"threshold" json:"threshold"`
}

// ValidationConfig controls what happens when agent output fails its schema.
type ValidationConfig struct {
	Strict bool `yaml:"strict" json:"strict"`
	Verify bool `yaml:"verify" json:"verify"`
}

// CredentialsConfig locates the agent credential.
type CredentialsConfig struct {
	EnvVar string `yaml:"env_var" json:"env_var"`
	File   string `yaml:"file" json:"file"`
}

// StateConfig places the plan file, event log and metrics output.
type StateConfig struct {
	Dir         string `yaml:"dir" json:"dir"`
	Database    string `yaml:"database" json:"database"`
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
}

// LogConfig controls log output.
type LogConfig struct {
	Format  string `yaml:"format" json:"format"`
	Verbose bool   `yaml:"verbose" json:"verbose"`
}

// ReportConfig controls what is reported back to the pull request.
type ReportConfig struct {
	PRComment bool `yaml:"pr_comment" json:"pr_comment"`
}
