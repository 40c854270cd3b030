// Package orchestrator drives the collect, plan, execute loop until CI is
// green or the iteration budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/collector"
	"github.com/lucasnoah/ciheal/internal/executor"
	"github.com/lucasnoah/ciheal/internal/metrics"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/retry"
)

// Mode selects whether plans are executed.
type Mode string

const (
	ModeExecution Mode = "execution"
	ModePlanning  Mode = "planning"
)

// ParseMode validates a mode name. Empty means execution.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeExecution:
		return ModeExecution, nil
	case ModePlanning:
		return ModePlanning, nil
	default:
		return "", fmt.Errorf("unknown mode %q: must be planning or execution", s)
	}
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	AllGreen             Outcome = "all_green"
	PlanReady            Outcome = "plan_ready"
	MaxIterationsReached Outcome = "max_iterations_reached"
	Aborted              Outcome = "aborted"
	Interrupted          Outcome = "interrupted"
)

// ExitCode maps an outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case AllGreen, PlanReady:
		return 0
	case MaxIterationsReached:
		return 2
	case Interrupted:
		return 130
	default:
		return 1
	}
}

// Event names written to the event log.
const (
	EventIteration = "iteration"
	EventCollected = "collected"
	EventStale     = "stale_snapshot"
	EventPlan      = "plan"
	EventVerified  = "verified"
	EventBatch     = "batch"
	EventCircuit   = "circuit_open"
	EventFinished  = "finished"
)

// Collector observes CI state.
type Collector interface {
	Collect(ctx context.Context) (collector.Snapshot, error)
}

// Planner produces and verifies plans.
type Planner interface {
	Generate(ctx context.Context, runs []ci.RunState, pr ci.PRStatus) (*plan.Plan, error)
	Verify(ctx context.Context, p *plan.Plan) (plan.Verdict, error)
}

// Executor runs the head batch of a plan.
type Executor interface {
	ExecuteNext(ctx context.Context, p *plan.Plan, snap collector.Snapshot, verdict *plan.Verdict) (executor.BatchResult, error)
}

// PlanStore persists the plan between iterations.
type PlanStore interface {
	Load() (*plan.Plan, error)
	Save(p *plan.Plan) error
	CleanTemp() error
}

// EventLog records iteration events.
type EventLog interface {
	LogEvent(runID string, iteration int, event, detail string) error
}

// Tree is the working tree restored after an interrupted dry run.
type Tree interface {
	IsDirty() (bool, error)
	ResetHard(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Planner, Policy, Events,
// Metrics and Tree are optional.
type Deps struct {
	Collector Collector
	Planner   Planner
	Executor  Executor
	Store     PlanStore
	Policy    *retry.Policy
	Events    EventLog
	Metrics   *metrics.Metrics
	Tree      Tree
}

// Options configures a run.
type Options struct {
	Mode          Mode
	MaxIterations int
	Interval      time.Duration
	DryRun        bool
	NoAgent       bool // always use the fallback plan
	Verify        bool // ask the agent to verify batches with patches
	Strict        bool
}

// Orchestrator runs the remediation loop.
type Orchestrator struct {
	Deps
	opts Options

	// pending is the plan being drained. In dry-run mode it is the only copy.
	pending *plan.Plan
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Mode == "" {
		opts.Mode = ModeExecution
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}
	return &Orchestrator{Deps: deps, opts: opts, sleep: sleepContext}
}

// Result describes a finished run.
type Result struct {
	RunID      string                 `json:"run_id"`
	Outcome    Outcome                `json:"outcome"`
	Iterations int                    `json:"iterations"`
	NotGreen   int                    `json:"not_green"`
	Batches    []executor.BatchResult `json:"batches,omitempty"`
	Plan       *plan.Plan             `json:"plan,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

// Run iterates until all runs are green, the budget is spent, or ctx is
// cancelled. The error is non-nil for Aborted and Interrupted outcomes.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	log := clog.FromContext(ctx).With("run_id", res.RunID)
	ctx = clog.WithLogger(ctx, log)

	cleanAtStart := o.treeClean(ctx)
	defer func() {
		o.Metrics.Finished(string(res.Outcome))
		o.event(res.RunID, res.Iterations, EventFinished, string(res.Outcome))
		log.With("outcome", res.Outcome).With("iterations", res.Iterations).Info("Run finished")
	}()

	log.With("mode", o.opts.Mode).
		With("max_iterations", o.opts.MaxIterations).
		With("dry_run", o.opts.DryRun).
		Info("Starting remediation run")

	for i := 1; i <= o.opts.MaxIterations; i++ {
		res.Iterations = i
		done, err := o.iterate(ctx, i, res)
		if err != nil {
			return res, o.fail(ctx, res, err, cleanAtStart)
		}
		if done {
			return res, nil
		}
		if i < o.opts.MaxIterations {
			if err := o.sleep(ctx, o.opts.Interval); err != nil {
				return res, o.fail(ctx, res, err, cleanAtStart)
			}
		}
	}

	res.Outcome = MaxIterationsReached
	res.Message = fmt.Sprintf("%d run(s) still not green after %d iteration(s)", res.NotGreen, res.Iterations)
	return res, nil
}

// iterate runs one collect, plan, execute pass. done is true when a terminal
// state was reached.
func (o *Orchestrator) iterate(ctx context.Context, i int, res *Result) (done bool, err error) {
	log := clog.FromContext(ctx).With("iteration", i)
	ctx = clog.WithLogger(ctx, log)

	o.Metrics.IterationStarted()
	o.event(res.RunID, i, EventIteration, "")
	if o.Policy != nil {
		o.Policy.Reset()
		defer o.checkCircuit(res.RunID, i)
	}

	snap, err := o.Collector.Collect(ctx)
	if err != nil {
		return false, fmt.Errorf("collect state: %w", err)
	}
	notGreen := snap.NotGreen()
	res.NotGreen = len(notGreen)
	o.Metrics.SetNotGreen(len(notGreen))
	o.event(res.RunID, i, EventCollected, fmt.Sprintf("%d runs, %d not green", len(snap.Runs), len(notGreen)))

	// Nothing was ever observed; an empty list here is not evidence of green.
	if snap.Stale && len(snap.Runs) == 0 && len(snap.PR.Checks) == 0 {
		log.Warn("No CI state available, skipping iteration")
		o.event(res.RunID, i, EventStale, "")
		return false, nil
	}
	if len(notGreen) == 0 {
		log.With("runs", len(snap.Runs)).Info("All runs green")
		res.Outcome = AllGreen
		return true, nil
	}
	log.With("not_green", len(notGreen)).With("stale", snap.Stale).Info("Runs need attention")

	p, err := o.obtainPlan(ctx, notGreen, snap.PR)
	if err != nil {
		return false, err
	}
	res.Plan = p
	o.Metrics.PlanUsed(string(p.Source))
	o.event(res.RunID, i, EventPlan, fmt.Sprintf("%s, %d batch(es)", p.Source, len(p.Batches)))

	if o.opts.Mode == ModePlanning {
		res.Outcome = PlanReady
		return true, nil
	}

	verdict := o.verify(ctx, res.RunID, i, p)
	br, err := o.Executor.ExecuteNext(ctx, p, snap, verdict)
	if err != nil {
		return false, fmt.Errorf("execute batch: %w", err)
	}
	for _, a := range br.Actions {
		o.Metrics.ActionDone(a.Action.Kind.String(), string(a.Outcome))
	}
	o.event(res.RunID, i, EventBatch, fmt.Sprintf("%s: %d action(s), %d failed, %d remaining",
		br.Batch, len(br.Actions), br.Failed(), br.Remaining))

	res.Batches = append(res.Batches, br)
	res.Plan = br.Next
	o.pending = br.Next
	return false, nil
}

// obtainPlan returns the plan in progress, the persisted plan, or a new one.
func (o *Orchestrator) obtainPlan(ctx context.Context, notGreen []ci.RunState, pr ci.PRStatus) (*plan.Plan, error) {
	log := clog.FromContext(ctx)

	if !o.pending.Exhausted() {
		return o.pending, nil
	}
	persisted, err := o.Store.Load()
	switch {
	case err == nil && !persisted.Exhausted():
		log.With("batches", len(persisted.Batches)).Info("Resuming persisted plan")
		return persisted, nil
	case err != nil && !errors.Is(err, plan.ErrNoPlan):
		log.With("error", err).Warn("Could not read persisted plan, planning again")
	}

	var p *plan.Plan
	if o.opts.NoAgent || o.Planner == nil {
		p = plan.Fallback()
		p.Notes = "agent disabled"
	} else {
		p, err = o.Planner.Generate(ctx, notGreen, pr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.With("error", err).Warn("Planning failed, using fallback plan")
			p = plan.Fallback()
			p.Notes = "planning failed"
		}
	}

	if o.opts.DryRun {
		return p, nil
	}
	if err := o.Store.Save(p); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	return p, nil
}

// verify asks for a verdict on the head batch when it carries patches, its
// own or pending ones.
func (o *Orchestrator) verify(ctx context.Context, runID string, i int, p *plan.Plan) *plan.Verdict {
	if !o.opts.Verify || o.opts.NoAgent || o.Planner == nil {
		return nil
	}
	head, ok := p.Head()
	if !ok || len(p.HeadPatches()) == 0 {
		return nil
	}

	v, err := o.Planner.Verify(ctx, p)
	if err != nil {
		clog.FromContext(ctx).With("batch", head.Name).With("error", err).Warn("Verification failed")
		if !o.opts.Strict {
			return nil
		}
		v = plan.Verdict{Valid: false, Reason: "verification failed: " + err.Error()}
	}
	o.event(runID, i, EventVerified, fmt.Sprintf("%s: valid=%t %s", head.Name, v.Valid, v.Reason))
	return &v
}

func (o *Orchestrator) checkCircuit(runID string, i int) {
	if o.Policy.Breaker().State() != retry.Open {
		return
	}
	o.Metrics.CircuitOpened()
	o.event(runID, i, EventCircuit, fmt.Sprintf("%d consecutive failures", o.Policy.Breaker().Failures()))
}

// fail sets the terminal state for err and cleans up after an interrupt.
func (o *Orchestrator) fail(ctx context.Context, res *Result, err error, cleanAtStart bool) error {
	res.Message = err.Error()
	if ctx.Err() == nil {
		res.Outcome = Aborted
		return err
	}
	res.Outcome = Interrupted
	o.cleanup(context.WithoutCancel(ctx), cleanAtStart)
	return ctx.Err()
}

// cleanup removes temp files and, in dry-run mode, restores the working tree
// when it was clean at start.
func (o *Orchestrator) cleanup(ctx context.Context, cleanAtStart bool) {
	log := clog.FromContext(ctx)
	if err := o.Store.CleanTemp(); err != nil {
		log.With("error", err).Warn("Could not remove temp files")
	}
	if !o.opts.DryRun || o.Tree == nil {
		return
	}
	if !cleanAtStart {
		log.Warn("Working tree had local changes at start, not resetting it")
		return
	}
	if err := o.Tree.ResetHard(ctx); err != nil {
		log.With("error", err).Warn("Could not reset working tree")
		return
	}
	log.Info("Working tree reset")
}

func (o *Orchestrator) treeClean(ctx context.Context) bool {
	if o.Tree == nil {
		return false
	}
	dirty, err := o.Tree.IsDirty()
	if err != nil {
		clog.FromContext(ctx).With("error", err).Debug("Could not read working tree status")
		return false
	}
	return !dirty
}

func (o *Orchestrator) event(runID string, iteration int, event, detail string) {
	if o.Events == nil {
		return
	}
	_ = o.Events.LogEvent(runID, iteration, event, detail)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
