package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/ciheal/internal/agent"
	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/collector"
	"github.com/lucasnoah/ciheal/internal/executor"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/planner"
	"github.com/lucasnoah/ciheal/internal/retry"
)

// --- Mock implementations ---

type mockCollector struct {
	snaps []collector.Snapshot // last one repeats
	err   error
	calls int
}

func (m *mockCollector) Collect(ctx context.Context) (collector.Snapshot, error) {
	m.calls++
	if m.err != nil {
		return collector.Snapshot{}, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.snaps) {
		idx = len(m.snaps) - 1
	}
	return m.snaps[idx], nil
}

type mockPlanner struct {
	plan        *plan.Plan
	err         error
	verdict     plan.Verdict
	verifyErr   error
	genCalls    int
	verifyCalls int
}

func (m *mockPlanner) Generate(ctx context.Context, runs []ci.RunState, pr ci.PRStatus) (*plan.Plan, error) {
	m.genCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.plan, nil
}

func (m *mockPlanner) Verify(ctx context.Context, p *plan.Plan) (plan.Verdict, error) {
	m.verifyCalls++
	return m.verdict, m.verifyErr
}

// countingExecutor wraps a real executor, or stands in for one when next is nil.
type countingExecutor struct {
	next     Executor
	err      error
	calls    int
	verdicts []*plan.Verdict
}

func (c *countingExecutor) ExecuteNext(ctx context.Context, p *plan.Plan, snap collector.Snapshot, v *plan.Verdict) (executor.BatchResult, error) {
	c.calls++
	c.verdicts = append(c.verdicts, v)
	if c.err != nil {
		return executor.BatchResult{}, c.err
	}
	if c.next == nil {
		return executor.BatchResult{State: executor.Exhausted, Next: p.WithoutHead(nil)}, nil
	}
	return c.next.ExecuteNext(ctx, p, snap, v)
}

type mockCI struct {
	reruns []int64
}

func (m *mockCI) Rerun(ctx context.Context, id int64) error {
	m.reruns = append(m.reruns, id)
	return nil
}

func (m *mockCI) Approve(ctx context.Context, id int64) error { return nil }

func (m *mockCI) Comment(ctx context.Context, pr int, body string) error { return nil }

type mockRepo struct{ dir string }

func (m *mockRepo) Dir() string                                     { return m.dir }
func (m *mockRepo) CurrentBranch() (string, error)                  { return "main", nil }
func (m *mockRepo) Move(ctx context.Context, from, to string) error { return nil }
func (m *mockRepo) Add(ctx context.Context, paths ...string) error  { return nil }
func (m *mockRepo) Commit(ctx context.Context, msg string) (bool, error) {
	return false, nil
}
func (m *mockRepo) Push(ctx context.Context, branch string) error { return nil }

type mockPatcher struct{ applied int }

func (m *mockPatcher) Apply(ctx context.Context, filename, diff string) error {
	m.applied++
	return nil
}

type mockEvents struct {
	events []string
}

func (m *mockEvents) LogEvent(runID string, iteration int, event, detail string) error {
	m.events = append(m.events, fmt.Sprintf("%d:%s", iteration, event))
	return nil
}

type mockTree struct {
	dirty  bool
	resets int
}

func (m *mockTree) IsDirty() (bool, error) { return m.dirty, nil }
func (m *mockTree) ResetHard(ctx context.Context) error {
	m.resets++
	return nil
}

// --- Test helpers ---

type testEnv struct {
	collector *mockCollector
	planner   *mockPlanner
	executor  *countingExecutor
	ci        *mockCI
	store     *plan.Store
	events    *mockEvents
	tree      *mockTree
	policy    *retry.Policy
	sleeps    int
}

func setupTest(t *testing.T, snaps ...collector.Snapshot) *testEnv {
	t.Helper()
	env := &testEnv{
		collector: &mockCollector{snaps: snaps},
		planner:   &mockPlanner{plan: plan.Fallback()},
		ci:        &mockCI{},
		store:     plan.NewStore(filepath.Join(t.TempDir(), plan.DefaultDir)),
		events:    &mockEvents{},
		tree:      &mockTree{},
		policy:    retry.New(retry.Config{MaxRetries: 1, Threshold: 5}).WithSleep(retry.NoWait),
	}
	base := executor.New(env.ci, env.policy, &mockRepo{dir: t.TempDir()}, &mockPatcher{}, env.store, executor.Options{})
	env.executor = &countingExecutor{next: base}
	return env
}

func (env *testEnv) orchestrator(opts Options) *Orchestrator {
	return env.orchestratorWith(env.planner, opts)
}

func (env *testEnv) orchestratorWith(p Planner, opts Options) *Orchestrator {
	o := New(Deps{
		Collector: env.collector,
		Planner:   p,
		Executor:  env.executor,
		Store:     env.store,
		Policy:    env.policy,
		Events:    env.events,
		Tree:      env.tree,
	}, opts)
	o.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps++
		return ctx.Err()
	}
	return o
}

func run(id int64, name, status, conclusion string) ci.RunState {
	return ci.RunState{ID: id, WorkflowName: name, Status: status, Conclusion: conclusion, Branch: "fix"}
}

func greenSnapshot() collector.Snapshot {
	return collector.Snapshot{Runs: []ci.RunState{
		run(1, "build", ci.StatusCompleted, ci.ConclusionSuccess),
		run(2, "test", ci.StatusCompleted, ci.ConclusionSuccess),
		run(3, "lint", ci.StatusCompleted, ci.ConclusionSuccess),
	}}
}

func failingSnapshot() collector.Snapshot {
	return collector.Snapshot{Runs: []ci.RunState{
		run(1, "build", ci.StatusCompleted, ci.ConclusionSuccess),
		run(2, "test", ci.StatusCompleted, ci.ConclusionFailure),
	}}
}

// --- Tests ---

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeExecution, "execution": ModeExecution, "PLANNING": ModePlanning} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("yolo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestExitCodes(t *testing.T) {
	tests := map[Outcome]int{
		AllGreen:             0,
		PlanReady:            0,
		MaxIterationsReached: 2,
		Aborted:              1,
		Interrupted:          130,
	}
	for o, want := range tests {
		if got := o.ExitCode(); got != want {
			t.Errorf("%s.ExitCode() = %d, want %d", o, got, want)
		}
	}
}

func TestRun_AllGreenOnFirstIteration(t *testing.T) {
	env := setupTest(t, greenSnapshot())
	o := env.orchestrator(Options{MaxIterations: 5})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != AllGreen {
		t.Errorf("expected all_green, got %s", res.Outcome)
	}
	if res.Iterations != 1 {
		t.Errorf("expected 1 iteration, got %d", res.Iterations)
	}
	if env.collector.calls != 1 {
		t.Errorf("expected exactly 1 collect call, got %d", env.collector.calls)
	}
	if env.planner.genCalls != 0 || env.executor.calls != 0 {
		t.Errorf("expected no planning or execution, got %d generate / %d execute", env.planner.genCalls, env.executor.calls)
	}
	if env.sleeps != 0 {
		t.Errorf("expected no sleep, got %d", env.sleeps)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}
}

func TestRun_AgentTimesOutEveryIteration(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	timeout := agent.Func(func(ctx context.Context, prompt string, d time.Duration) (string, error) {
		return "", fmt.Errorf("%w after %s", agent.ErrTimeout, d)
	})
	p := planner.New(timeout, env.store, nil, planner.Options{Timeout: time.Second})
	o := env.orchestratorWith(p, Options{MaxIterations: 3, Interval: time.Minute})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != MaxIterationsReached {
		t.Fatalf("expected max_iterations_reached, got %s", res.Outcome)
	}
	if res.Outcome.ExitCode() != 2 {
		t.Errorf("expected exit code 2, got %d", res.Outcome.ExitCode())
	}
	if len(res.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(res.Batches))
	}
	for i, b := range res.Batches {
		if b.Batch != plan.FallbackBatchName {
			t.Errorf("batch %d: expected fallback batch, got %q", i, b.Batch)
		}
	}
	if got := fmt.Sprint(env.ci.reruns); got != "[2 2 2]" {
		t.Errorf("expected run 2 rerun once per iteration, got %s", got)
	}
	if env.sleeps != 2 {
		t.Errorf("expected 2 sleeps between 3 iterations, got %d", env.sleeps)
	}
	if _, err := env.store.Load(); !errors.Is(err, plan.ErrNoPlan) {
		t.Errorf("expected exhausted plan to be cleared, got %v", err)
	}
}

func TestRun_ResumesPersistedPlan(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	persisted := &plan.Plan{Document: plan.Document{Batches: []plan.Batch{
		{Name: "first", Actions: []plan.Action{plan.Rerun(2)}},
		{Name: "second", Actions: []plan.Action{plan.Rerun(2)}},
	}}}
	if err := env.store.Save(persisted); err != nil {
		t.Fatal(err)
	}
	o := env.orchestrator(Options{MaxIterations: 1})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.planner.genCalls != 0 {
		t.Errorf("expected persisted plan to be used, planner called %d times", env.planner.genCalls)
	}
	if len(res.Batches) != 1 || res.Batches[0].Batch != "first" {
		t.Fatalf("expected batch 'first' to run, got %+v", res.Batches)
	}
	left, err := env.store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(left.Batches) != 1 || left.Batches[0].Name != "second" {
		t.Errorf("expected only 'second' to remain, got %+v", left.Batches)
	}
}

func TestRun_ConvergesAfterRemediation(t *testing.T) {
	env := setupTest(t, failingSnapshot(), failingSnapshot(), greenSnapshot())
	o := env.orchestrator(Options{MaxIterations: 5})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != AllGreen || res.Iterations != 3 {
		t.Errorf("expected all_green at iteration 3, got %s at %d", res.Outcome, res.Iterations)
	}
	if env.executor.calls != 2 {
		t.Errorf("expected 2 executions, got %d", env.executor.calls)
	}
}

func TestRun_StaleEmptySnapshotIsNotGreen(t *testing.T) {
	env := setupTest(t, collector.Snapshot{Stale: true})
	o := env.orchestrator(Options{MaxIterations: 2})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != MaxIterationsReached {
		t.Errorf("expected max_iterations_reached, got %s", res.Outcome)
	}
	if env.planner.genCalls != 0 || env.executor.calls != 0 {
		t.Errorf("expected iterations to be skipped")
	}
	if !strings.Contains(strings.Join(env.events.events, ","), "1:"+EventStale) {
		t.Errorf("expected stale event, got %v", env.events.events)
	}
}

func TestRun_PlanningModeDoesNotExecute(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.planner.plan = &plan.Plan{
		Document: plan.Document{Batches: []plan.Batch{{Name: "rerun", Actions: []plan.Action{plan.Rerun(2)}}}},
		Source:   plan.SourceAgent,
	}
	o := env.orchestrator(Options{Mode: ModePlanning, MaxIterations: 3})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != PlanReady {
		t.Errorf("expected plan_ready, got %s", res.Outcome)
	}
	if env.executor.calls != 0 {
		t.Errorf("expected no execution, got %d", env.executor.calls)
	}
	saved, err := env.store.Load()
	if err != nil {
		t.Fatalf("expected plan to be persisted: %v", err)
	}
	if saved.Batches[0].Name != "rerun" {
		t.Errorf("unexpected persisted plan: %+v", saved)
	}
	if res.Plan == nil || len(res.Plan.Batches) != 1 {
		t.Errorf("expected result to carry the plan")
	}
}

func TestRun_NoAgentUsesFallback(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	o := env.orchestrator(Options{MaxIterations: 1, NoAgent: true})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.planner.genCalls != 0 {
		t.Errorf("planner should not be called with NoAgent")
	}
	if len(res.Batches) != 1 || res.Batches[0].Batch != plan.FallbackBatchName {
		t.Errorf("expected fallback batch, got %+v", res.Batches)
	}
}

func TestRun_PlannerErrorFallsBack(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.planner.err = errors.New("template broken")
	o := env.orchestrator(Options{MaxIterations: 1})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Batches) != 1 || res.Batches[0].Batch != plan.FallbackBatchName {
		t.Errorf("expected fallback batch, got %+v", res.Batches)
	}
}

func TestRun_DryRunDoesNotPersist(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.planner.plan = &plan.Plan{
		Document: plan.Document{Batches: []plan.Batch{
			{Name: "a", Actions: []plan.Action{plan.Rerun(2)}},
			{Name: "b", Actions: []plan.Action{plan.Rerun(2)}},
		}},
		Source: plan.SourceAgent,
	}
	dry := executor.New(env.ci, env.policy, &mockRepo{dir: t.TempDir()}, &mockPatcher{}, env.store, executor.Options{DryRun: true})
	env.executor.next = dry
	o := env.orchestrator(Options{MaxIterations: 2, DryRun: true})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.planner.genCalls != 1 {
		t.Errorf("expected the in-memory plan to carry over, planner called %d times", env.planner.genCalls)
	}
	if len(res.Batches) != 2 || res.Batches[1].Batch != "b" {
		t.Errorf("expected batches a then b, got %+v", res.Batches)
	}
	if len(env.ci.reruns) != 0 {
		t.Errorf("dry run must not call CI, got %v", env.ci.reruns)
	}
	if _, err := os.Stat(env.store.Dir()); !os.IsNotExist(err) {
		t.Errorf("dry run must not create the state dir: %v", err)
	}
}

func TestRun_ExecutorErrorAborts(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.executor.err = errors.New("disk full")
	o := env.orchestrator(Options{MaxIterations: 3})

	res, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Outcome != Aborted || res.Outcome.ExitCode() != 1 {
		t.Errorf("expected aborted with exit 1, got %s", res.Outcome)
	}
	if !strings.Contains(res.Message, "disk full") {
		t.Errorf("expected message to carry the cause, got %q", res.Message)
	}
}

func TestRun_InterruptedDuringSleep(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := env.orchestrator(Options{MaxIterations: 3, DryRun: true, NoAgent: true})
	o.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if err := os.MkdirAll(env.store.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(env.store.Dir(), ".tmp-123")
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Outcome != Interrupted || res.Outcome.ExitCode() != 130 {
		t.Errorf("expected interrupted/130, got %s", res.Outcome)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("expected temp file to be removed")
	}
	if env.tree.resets != 1 {
		t.Errorf("expected dry-run interrupt to reset the tree once, got %d", env.tree.resets)
	}
}

func TestRun_InterruptKeepsDirtyTree(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.tree.dirty = true
	env.collector.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := env.orchestrator(Options{MaxIterations: 1, DryRun: true})
	res, _ := o.Run(ctx)
	if res.Outcome != Interrupted {
		t.Errorf("expected interrupted, got %s", res.Outcome)
	}
	if env.tree.resets != 0 {
		t.Error("a tree with local changes at start must not be reset")
	}
}

func TestRun_VerifyOnlyBatchesWithPatches(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.planner.plan = &plan.Plan{
		Document: plan.Document{
			Batches: []plan.Batch{
				{Name: "rerun", Actions: []plan.Action{plan.Rerun(2)}},
				{Name: "patch", Actions: []plan.Action{plan.ApplyPatch("p")}},
			},
			Patches: map[string]plan.Patch{"p": {Filename: "a.go", Diff: "x"}},
		},
		Source: plan.SourceAgent,
	}
	env.planner.verifyErr = errors.New("agent down")
	env.executor.next = nil
	o := env.orchestrator(Options{MaxIterations: 2, Verify: true, Strict: true})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.planner.verifyCalls != 1 {
		t.Fatalf("expected 1 verify call, got %d", env.planner.verifyCalls)
	}
	if env.executor.verdicts[0] != nil {
		t.Error("batch without patches should not be verified")
	}
	v := env.executor.verdicts[1]
	if v == nil || v.Valid {
		t.Errorf("strict mode should turn a verification error into a negative verdict, got %+v", v)
	}
}

func TestRun_LogsEvents(t *testing.T) {
	env := setupTest(t, failingSnapshot(), greenSnapshot())
	o := env.orchestrator(Options{MaxIterations: 3, NoAgent: true})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Join(env.events.events, ",")
	want := "1:iteration,1:collected,1:plan,1:batch,2:iteration,2:collected,2:finished"
	if got != want {
		t.Errorf("events:\n got %s\nwant %s", got, want)
	}
}

func TestRun_CircuitOpenIsCounted(t *testing.T) {
	env := setupTest(t, failingSnapshot())
	env.policy = retry.New(retry.Config{MaxRetries: 1, Threshold: 1}).WithSleep(retry.NoWait)
	failing := &failingCI{}
	env.executor.next = executor.New(failing, env.policy, &mockRepo{dir: t.TempDir()}, &mockPatcher{}, env.store, executor.Options{})
	o := env.orchestrator(Options{MaxIterations: 2, NoAgent: true})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("circuit open must not abort: %v", err)
	}
	if res.Outcome != MaxIterationsReached {
		t.Errorf("expected max_iterations_reached, got %s", res.Outcome)
	}
	if failing.calls != 2 {
		t.Errorf("expected the breaker to be reset each iteration (2 calls), got %d", failing.calls)
	}
	if n := strings.Count(strings.Join(env.events.events, ","), EventCircuit); n != 2 {
		t.Errorf("expected 2 circuit events, got %d", n)
	}
}

type failingCI struct{ calls int }

func (f *failingCI) Rerun(ctx context.Context, id int64) error {
	f.calls++
	return errors.New("503")
}

func (f *failingCI) Approve(ctx context.Context, id int64) error { return errors.New("503") }

func (f *failingCI) Comment(ctx context.Context, pr int, body string) error {
	return errors.New("503")
}
