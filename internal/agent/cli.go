package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/lucasnoah/ciheal/internal/secret"
)

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args, env []string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec. The child is killed when
// ctx is done.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CLI runs a headless agent command such as `cursor-agent -p --output-format json`.
type CLI struct {
	Command string
	Model   string
	Dir     string
	EnvVar  string // receives the credential in the child environment
	Key     secret.Secret
	Runner  CommandRunner
}

func (c *CLI) args(prompt string) []string {
	args := []string{"-p", "--output-format", "json"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	return append(args, prompt)
}

// Invoke runs the agent once with prompt and returns stdout.
func (c *CLI) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	var env []string
	if c.EnvVar != "" && !c.Key.Empty() {
		env = append(env, c.EnvVar+"="+c.Key.Reveal())
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := runner.Run(ctx, c.Dir, c.Command, c.args(prompt), env)
	clog.FromContext(ctx).With("command", c.Command).
		With("duration", time.Since(start).Round(time.Millisecond)).
		With("exit_code", exitCode).
		Debug("Agent finished")

	if ctx.Err() == context.DeadlineExceeded {
		return "", timeoutError(timeout)
	}
	if err != nil {
		return "", fmt.Errorf("run %s: %w", c.Command, err)
	}
	if exitCode != 0 {
		return "", &ExitError{Code: exitCode, Stderr: strings.TrimSpace(stderr)}
	}
	return stdout, nil
}
