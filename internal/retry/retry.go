// Package retry runs external calls with exponential backoff and jitter behind
// a consecutive-failure circuit breaker.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultThreshold is the consecutive-failure count that opens the circuit.
const DefaultThreshold = 5

// MaxJitter bounds the random delay added to every backoff.
const MaxJitter = time.Second

// CircuitOpenError is returned when the breaker has tripped. The wrapped
// error is the failure that tripped it, if any.
type CircuitOpenError struct {
	Operation string
	Failures  int
	Err       error
}

func (e *CircuitOpenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: circuit open after %d consecutive failures", e.Operation, e.Failures)
	}
	return fmt.Sprintf("%s: circuit open after %d consecutive failures: %v", e.Operation, e.Failures, e.Err)
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err is, or wraps, a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Breaker counts consecutive failures and opens at a fixed threshold.
// A success resets it to Closed.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	state     State
}

// NewBreaker creates a closed breaker. threshold <= 0 uses DefaultThreshold.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Breaker{threshold: threshold}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// Failure records a failed call and reports whether the breaker is now open.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
	}
	return b.state == Open
}

// Reset closes the breaker and clears the counter.
func (b *Breaker) Reset() {
	b.Success()
}

// Config holds retry parameters.
type Config struct {
	MaxRetries int           // total attempts per call
	BaseDelay  time.Duration // delay before attempt i+1 is BaseDelay * 2^i plus jitter
	Threshold  int           // consecutive failures that open the circuit
}

// Validate checks that the configuration has usable values.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.Threshold < 0 {
		return errors.New("circuit threshold cannot be negative")
	}
	return nil
}

// DefaultConfig returns the controller's standard retry settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1000 * time.Millisecond,
		Threshold:  DefaultThreshold,
	}
}

// Policy wraps operations with backoff and a shared breaker.
type Policy struct {
	cfg     Config
	breaker *Breaker

	// sleep and jitter are replaceable in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates a Policy with its own breaker.
func New(cfg Config) *Policy {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Policy{
		cfg:     cfg,
		breaker: NewBreaker(cfg.Threshold),
		sleep:   sleepContext,
		jitter:  randomJitter,
	}
}

// WithSleep replaces the wait between attempts and returns p.
func (p *Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleep = fn
	return p
}

// NoWait is a sleep function that returns immediately.
func NoWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Breaker exposes the policy's breaker.
func (p *Policy) Breaker() *Breaker {
	return p.breaker
}

// Reset closes the breaker. The orchestrator calls it at each iteration start.
func (p *Policy) Reset() {
	p.breaker.Reset()
}

// Do runs op until it succeeds, MaxRetries attempts have failed, the breaker
// opens, or ctx is done.
func (p *Policy) Do(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	_, err := Call(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call is the value-returning form of Policy.Do.
func Call[T any](ctx context.Context, p *Policy, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	log := clog.FromContext(ctx).With("operation", operation)

	if p.breaker.State() == Open {
		return zero, &CircuitOpenError{Operation: operation, Failures: p.breaker.Failures()}
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			p.breaker.Success()
			return result, nil
		}
		lastErr = err

		if p.breaker.Failure() {
			log.With("failures", p.breaker.Failures()).
				With("error", err).
				Warn("Circuit breaker opened")
			return zero, &CircuitOpenError{Operation: operation, Failures: p.breaker.Failures(), Err: err}
		}

		if attempt+1 >= p.cfg.MaxRetries {
			break
		}

		delay := p.cfg.BaseDelay<<attempt + p.jitter()
		log.With("attempt", attempt+1).
			With("max_retries", p.cfg.MaxRetries).
			With("backoff", delay).
			With("error", err).
			Warn("Call failed, retrying")

		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, p.cfg.MaxRetries, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(MaxJitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
