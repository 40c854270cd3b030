// Package collector gathers the CI state the orchestrator decides on.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/retry"
)

// Snapshot is the state observed in one iteration.
type Snapshot struct {
	Runs       []ci.RunState `json:"runs"`
	PR         ci.PRStatus   `json:"pr"`
	ObservedAt time.Time     `json:"observed_at"`
	// Stale is set when the provider was unreachable and the snapshot is the
	// last good one, or empty.
	Stale bool `json:"stale,omitempty"`
}

// NotGreen returns the runs that still need attention, including PR checks.
func (s Snapshot) NotGreen() []ci.RunState {
	out := ci.NotGreen(s.Runs)
	seen := make(map[int64]bool, len(out))
	for _, r := range out {
		if r.ID != 0 {
			seen[r.ID] = true
		}
	}
	for _, c := range ci.NotGreen(s.PR.Checks) {
		if c.ID != 0 && seen[c.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Collector reads runs and PR status through a retry policy.
type Collector struct {
	provider ci.Provider
	policy   *retry.Policy
	pr       int
	limit    int
	branch   string

	mu   sync.Mutex
	last *Snapshot
}

// New creates a Collector. pr may be 0 when no pull request is tracked.
func New(provider ci.Provider, policy *retry.Policy, pr, limit int) *Collector {
	return &Collector{provider: provider, policy: policy, pr: pr, limit: limit}
}

// WithBranch filters runs to branch when no pull request is tracked.
func (c *Collector) WithBranch(branch string) *Collector {
	c.branch = branch
	return c
}

// ListRuns returns recent runs for branch, newest first.
func (c *Collector) ListRuns(ctx context.Context, branch string) ([]ci.RunState, error) {
	return retry.Call(ctx, c.policy, "list runs", func(ctx context.Context) ([]ci.RunState, error) {
		return c.provider.ListRuns(ctx, branch, c.limit)
	})
}

// PRStatus returns the tracked pull request's status.
func (c *Collector) PRStatus(ctx context.Context, number int) (ci.PRStatus, error) {
	return retry.Call(ctx, c.policy, "get pr status", func(ctx context.Context) (ci.PRStatus, error) {
		return c.provider.GetPR(ctx, number)
	})
}

// Collect returns the current state. When the provider cannot be reached it
// returns the last good snapshot, or an empty one, marked Stale. It never
// fails except on context cancellation.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	log := clog.FromContext(ctx)

	snap := Snapshot{ObservedAt: time.Now().UTC()}
	if c.pr > 0 {
		pr, err := c.PRStatus(ctx, c.pr)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			log.With("pr", c.pr).With("error", err).Warn("Could not read PR status, using last snapshot")
			return c.fallback(), nil
		}
		snap.PR = pr
	}

	branch := snap.PR.HeadBranch
	if branch == "" {
		branch = c.branch
	}
	runs, err := c.ListRuns(ctx, branch)
	if err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		log.With("error", err).Warn("Could not list runs, using last snapshot")
		return c.fallback(), nil
	}
	snap.Runs = ci.LatestPerWorkflow(runs)

	c.mu.Lock()
	saved := snap
	c.last = &saved
	c.mu.Unlock()
	return snap, nil
}

// Last returns the last good snapshot, if any.
func (c *Collector) Last() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Snapshot{}, false
	}
	return *c.last, true
}

func (c *Collector) fallback() Snapshot {
	if last, ok := c.Last(); ok {
		last.Stale = true
		return last
	}
	return Snapshot{ObservedAt: time.Now().UTC(), Stale: true}
}
