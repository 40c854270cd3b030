// Package agent sends prompts to the reasoning agent and returns its raw reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Agent is a single request/response text generator. It keeps no session.
type Agent interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, prompt string, timeout time.Duration) (string, error)

func (f Func) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return f(ctx, prompt, timeout)
}

// ErrTimeout is wrapped by errors from calls that ran out of time.
var ErrTimeout = errors.New("agent timed out")

// ExitError reports an agent process that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

// withTimeout bounds ctx. A non-positive timeout leaves ctx unbounded.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
