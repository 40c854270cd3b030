// Package executor runs the head batch of a plan against CI and the working
// tree, then removes it from the persisted plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/collector"
	"github.com/lucasnoah/ciheal/internal/logging"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/retry"
)

// Workflow directories, relative to the repository root.
const (
	WorkflowDir         = ".github/workflows"
	DisabledWorkflowDir = ".github/workflows-disabled"
)

// CommitPrefix starts every commit message written by the executor.
const CommitPrefix = "ciheal: "

// State is the lifecycle of a plan under execution.
type State string

const (
	Pending   State = "pending"
	Draining  State = "draining"
	Exhausted State = "exhausted"
)

// Outcome is the result of one action.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeBlocked Outcome = "blocked"
	OutcomeDryRun  Outcome = "dry_run"
)

// ErrBlocked is reported for patches withheld by a negative verdict.
var ErrBlocked = errors.New("blocked by verification")

// PushFailure reports a commit that could not be pushed. It is logged and
// never aborts the iteration.
type PushFailure struct {
	Branch string
	Err    error
}

func (e *PushFailure) Error() string {
	return fmt.Sprintf("push %s: %v", e.Branch, e.Err)
}

func (e *PushFailure) Unwrap() error {
	return e.Err
}

// CI is the subset of ci.Provider the executor drives.
type CI interface {
	Rerun(ctx context.Context, id int64) error
	Approve(ctx context.Context, id int64) error
	Comment(ctx context.Context, pr int, body string) error
}

// Repo is the working tree the executor mutates.
type Repo interface {
	Dir() string
	CurrentBranch() (string, error)
	Move(ctx context.Context, from, to string) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context, branch string) error
}

// Patcher applies one patch to the working tree.
type Patcher interface {
	Apply(ctx context.Context, filename, diff string) error
}

// Options configures an Executor.
type Options struct {
	DryRun  bool
	Strict  bool // a negative verdict withholds patches
	NoPush  bool
	Comment bool // report each batch on the pull request
}

// Executor dispatches plan actions.
type Executor struct {
	ci      CI
	policy  *retry.Policy
	repo    Repo
	patcher Patcher
	store   *plan.Store
	opts    Options
}

// New creates an Executor. store may be nil in dry-run mode.
func New(provider CI, policy *retry.Policy, repo Repo, patcher Patcher, store *plan.Store, opts Options) *Executor {
	return &Executor{ci: provider, policy: policy, repo: repo, patcher: patcher, store: store, opts: opts}
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Action  plan.Action `json:"action"`
	Outcome Outcome     `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// BatchResult describes one ExecuteNext call.
type BatchResult struct {
	Batch     string         `json:"batch"`
	Actions   []ActionResult `json:"actions"`
	Committed bool           `json:"committed"`
	Pushed    bool           `json:"pushed"`
	PushError string         `json:"push_error,omitempty"`
	Commented bool           `json:"commented"`
	State     State          `json:"state"`
	Remaining int            `json:"remaining"`

	// Next is the plan after the batch was consumed.
	Next *plan.Plan `json:"-"`
}

// Failed counts the actions that did not succeed.
func (r BatchResult) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if a.Outcome == OutcomeFailed || a.Outcome == OutcomeBlocked {
			n++
		}
	}
	return n
}

// ExecuteNext runs every action of the head batch of p, commits and pushes
// any resulting changes, and persists p without that batch. Per-action
// failures are recorded in the result. The error is non-nil only when the
// plan cannot be persisted or ctx is done.
//
// With Options.Comment set and a pull request in snap, a report of the
// batch is posted on the pull request.
//
// snap supplies the runs for rerun_all_failed. A non-nil verdict with
// Valid=false withholds apply_patch actions in strict mode.
func (e *Executor) ExecuteNext(ctx context.Context, p *plan.Plan, snap collector.Snapshot, verdict *plan.Verdict) (BatchResult, error) {
	head, ok := p.Head()
	if !ok {
		return BatchResult{State: Exhausted, Next: p}, nil
	}
	log := clog.FromContext(ctx).With("batch", head.Name)
	log.With("actions", len(head.Actions)).With("state", Draining).Info("Executing batch")

	blockPatches := e.opts.Strict && verdict != nil && !verdict.Valid
	if blockPatches {
		log.With("reason", verdict.Reason).Warn("Verification rejected batch, withholding patches")
	}

	actions := append([]plan.Action(nil), head.Actions...)
	pending := p.PendingPatches()
	for _, name := range pending {
		actions = append(actions, plan.ApplyPatch(name))
	}
	if len(pending) > 0 {
		log.With("patches", pending).Info("Applying pending patches with batch")
	}

	res := BatchResult{Batch: head.Name}
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ar := ActionResult{Action: a, Outcome: OutcomeOK}
		switch {
		case e.opts.DryRun:
			logging.DryRun(ctx, "would %s", describe(a, p))
			ar.Outcome = OutcomeDryRun
		case blockPatches && a.Kind == plan.KindApplyPatch:
			ar.Outcome = OutcomeBlocked
			ar.Error = ErrBlocked.Error()
		default:
			skipped, err := e.dispatch(ctx, a, p, snap)
			if err != nil {
				ar.Outcome = OutcomeFailed
				ar.Error = err.Error()
				log.With("action", a.String()).With("error", err).Warn("Action failed")
			} else if skipped {
				ar.Outcome = OutcomeSkipped
			}
		}
		res.Actions = append(res.Actions, ar)
	}

	if e.opts.DryRun {
		logging.DryRun(ctx, "would commit %q and push", CommitPrefix+head.Name)
		res.Next = p.WithoutHead(p.HeadPatches())
	} else {
		e.commitAndPush(ctx, head.Name, snap, &res)

		next, err := e.store.ConsumeHead(p, p.HeadPatches())
		if err != nil {
			return res, fmt.Errorf("persist plan: %w", err)
		}
		res.Next = next
	}

	res.Remaining = len(res.Next.Batches)
	res.State = Pending
	if res.Next.Exhausted() {
		res.State = Exhausted
	}
	e.comment(ctx, p.Notes, snap, &res)
	log.With("failed", res.Failed()).With("remaining", res.Remaining).With("state", res.State).Info("Batch finished")
	return res, nil
}

// dispatch performs a single action. skipped is true when there was nothing
// to do.
func (e *Executor) dispatch(ctx context.Context, a plan.Action, p *plan.Plan, snap collector.Snapshot) (skipped bool, err error) {
	switch a.Kind {
	case plan.KindRerun:
		return false, e.policy.Do(ctx, "rerun run", func(ctx context.Context) error {
			return e.ci.Rerun(ctx, a.RunID)
		})
	case plan.KindApprove:
		return false, e.policy.Do(ctx, "approve run", func(ctx context.Context) error {
			return e.ci.Approve(ctx, a.RunID)
		})
	case plan.KindRerunAllFailed:
		return e.rerunAllFailed(ctx, snap)
	case plan.KindApplyPatch:
		patch, ok := p.Patches[a.Patch]
		if !ok {
			return false, fmt.Errorf("patch %q is not defined in the plan", a.Patch)
		}
		return false, e.patcher.Apply(ctx, patch.Filename, patch.Diff)
	case plan.KindEnableWorkflow:
		return e.moveWorkflow(ctx, a.Path, DisabledWorkflowDir, WorkflowDir)
	case plan.KindDisableWorkflow:
		return e.moveWorkflow(ctx, a.Path, WorkflowDir, DisabledWorkflowDir)
	case plan.KindUnknown:
		return false, fmt.Errorf("action has no type")
	default:
		return false, fmt.Errorf("unsupported action type %s", a.Kind)
	}
}

// rerunAllFailed reruns every failed or cancelled run in snap. Every run is
// attempted; the first error is returned.
func (e *Executor) rerunAllFailed(ctx context.Context, snap collector.Snapshot) (bool, error) {
	runs := failedRuns(snap)
	if len(runs) == 0 {
		clog.FromContext(ctx).Info("No failed runs to rerun")
		return true, nil
	}
	var errs []error
	for _, r := range runs {
		err := e.policy.Do(ctx, "rerun run", func(ctx context.Context) error {
			return e.ci.Rerun(ctx, r.ID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("run %d: %w", r.ID, err))
			if retry.IsCircuitOpen(err) || ctx.Err() != nil {
				break
			}
		}
	}
	return false, errors.Join(errs...)
}

// failedRuns returns the rerunnable runs of snap, including PR checks, once
// each.
func failedRuns(snap collector.Snapshot) []ci.RunState {
	seen := make(map[int64]bool)
	var out []ci.RunState
	for _, group := range [][]ci.RunState{snap.Runs, snap.PR.Checks} {
		for _, r := range group {
			if r.ID <= 0 || !r.Failed() || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// moveWorkflow moves a workflow file between fromDir and toDir. A file
// already in toDir is a no-op.
func (e *Executor) moveWorkflow(ctx context.Context, name, fromDir, toDir string) (bool, error) {
	if name == "" || filepath.IsAbs(name) || filepath.Base(name) != name {
		return false, fmt.Errorf("invalid workflow file name %q", name)
	}
	from := path.Join(fromDir, name)
	to := path.Join(toDir, name)

	if exists(filepath.Join(e.repo.Dir(), filepath.FromSlash(to))) {
		clog.FromContext(ctx).With("workflow", name).Info("Workflow already in place")
		return true, nil
	}
	if !exists(filepath.Join(e.repo.Dir(), filepath.FromSlash(from))) {
		return false, fmt.Errorf("workflow %s not found", from)
	}
	if err := e.repo.Move(ctx, from, to); err != nil {
		return false, fmt.Errorf("move %s: %w", from, err)
	}
	if err := e.repo.Add(ctx, to); err != nil {
		return false, fmt.Errorf("stage %s: %w", to, err)
	}
	return false, nil
}

// commitAndPush commits staged changes and pushes the head branch.
func (e *Executor) commitAndPush(ctx context.Context, batch string, snap collector.Snapshot, res *BatchResult) {
	log := clog.FromContext(ctx).With("batch", batch)

	committed, err := e.repo.Commit(ctx, CommitPrefix+batch)
	if err != nil {
		log.With("error", err).Warn("Commit failed")
		return
	}
	if !committed {
		return
	}
	res.Committed = true
	if e.opts.NoPush {
		return
	}

	branch := snap.PR.HeadBranch
	if branch == "" {
		if branch, err = e.repo.CurrentBranch(); err != nil {
			res.PushError = (&PushFailure{Err: err}).Error()
			log.With("error", err).Warn("Cannot determine branch to push")
			return
		}
	}
	if err := e.repo.Push(ctx, branch); err != nil {
		pf := &PushFailure{Branch: branch, Err: err}
		res.PushError = pf.Error()
		log.With("error", pf).Warn("Push failed")
		return
	}
	res.Pushed = true
	log.With("branch", branch).Info("Pushed remediation commit")
}

// describe renders an action for dry-run logs.
func describe(a plan.Action, p *plan.Plan) string {
	if a.Kind == plan.KindApplyPatch {
		if patch, ok := p.Patches[a.Patch]; ok {
			return fmt.Sprintf("%s to %s", a, patch.Filename)
		}
	}
	return a.String()
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
