package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	verbose    bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "ciheal",
	Short: "Closed-loop CI remediation controller",
	Long: `ciheal watches the CI runs of a branch or pull request and drives them to
green. Each iteration it collects run state, asks a reasoning agent for a
remediation plan (reruns, approvals, workflow toggles, patches), executes the
next batch of that plan, and commits and pushes any changes.

State lives in .ciheal/ inside the working tree (plan.json, prompt.md and the
SQLite event log). The directory ignores itself so it never dirties the tree.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// ExitError carries a process exit status. Err may be nil when the status
// alone is the message.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the status err should exit with.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to ciheal.yaml (default: ./ciheal.yaml, then ~/.ciheal/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
