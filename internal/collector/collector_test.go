package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/retry"
)

type fakeProvider struct {
	runs     []ci.RunState
	pr       ci.PRStatus
	runsErr  error
	prErr    error
	listArgs []string
	listN    int
	prN      int
}

func (f *fakeProvider) ListRuns(_ context.Context, branch string, _ int) ([]ci.RunState, error) {
	f.listN++
	f.listArgs = append(f.listArgs, branch)
	return f.runs, f.runsErr
}

func (f *fakeProvider) GetRun(context.Context, int64) (ci.RunState, error) { return ci.RunState{}, nil }
func (f *fakeProvider) Rerun(context.Context, int64) error                 { return nil }
func (f *fakeProvider) Approve(context.Context, int64) error               { return nil }
func (f *fakeProvider) Comment(context.Context, int, string) error         { return nil }

func (f *fakeProvider) GetPR(context.Context, int) (ci.PRStatus, error) {
	f.prN++
	return f.pr, f.prErr
}

func testPolicy(maxRetries int) *retry.Policy {
	return retry.New(retry.Config{MaxRetries: maxRetries, Threshold: 5}).WithSleep(retry.NoWait)
}

func green(id int64, name string) ci.RunState {
	return ci.RunState{ID: id, WorkflowName: name, Status: ci.StatusCompleted, Conclusion: ci.ConclusionSuccess, Branch: "fix"}
}

func TestCollectUsesPRHeadBranch(t *testing.T) {
	p := &fakeProvider{
		pr:   ci.PRStatus{Number: 3, HeadBranch: "fix"},
		runs: []ci.RunState{green(2, "test"), green(1, "test")},
	}
	c := New(p, testPolicy(3), 3, 20)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.False(t, snap.Stale)
	require.Equal(t, []string{"fix"}, p.listArgs)
	require.Len(t, snap.Runs, 1, "older run of the same workflow is dropped")
	require.Empty(t, snap.NotGreen())
}

func TestCollectWithoutPR(t *testing.T) {
	p := &fakeProvider{runs: []ci.RunState{green(1, "build")}}
	c := New(p, testPolicy(3), 0, 20)

	_, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Zero(t, p.prN)
	require.Equal(t, []string{""}, p.listArgs)
}

func TestCollectWithBranch(t *testing.T) {
	p := &fakeProvider{runs: []ci.RunState{green(1, "build")}}
	c := New(p, testPolicy(3), 0, 20).WithBranch("main")

	_, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, p.listArgs)

	p.pr = ci.PRStatus{Number: 4, HeadBranch: "fix"}
	c = New(p, testPolicy(3), 4, 20).WithBranch("main")
	_, err = c.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"main", "fix"}, p.listArgs, "PR head branch wins")
}

func TestCollectFallsBackToLastSnapshot(t *testing.T) {
	p := &fakeProvider{runs: []ci.RunState{
		{ID: 1, WorkflowName: "test", Status: ci.StatusCompleted, Conclusion: ci.ConclusionFailure},
	}}
	c := New(p, testPolicy(2), 0, 20)
	ctx := context.Background()

	first, err := c.Collect(ctx)
	require.NoError(t, err)

	p.runsErr = errors.New("HTTP 502")
	second, err := c.Collect(ctx)
	require.NoError(t, err)
	require.True(t, second.Stale)
	require.Equal(t, first.Runs, second.Runs)
	require.Equal(t, 3, p.listN, "one good call plus two retried failures")
}

func TestCollectEmptyWhenNeverSucceeded(t *testing.T) {
	p := &fakeProvider{runsErr: errors.New("boom")}
	c := New(p, testPolicy(3), 0, 20)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Stale)
	require.Empty(t, snap.Runs)
	require.Empty(t, snap.NotGreen())
}

func TestCollectCircuitOpenFallsBack(t *testing.T) {
	p := &fakeProvider{prErr: errors.New("down")}
	c := New(p, testPolicy(10), 7, 20)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Stale)
	require.Equal(t, retry.DefaultThreshold, p.prN, "breaker stops retries at the threshold")
}

func TestCollectCancelled(t *testing.T) {
	p := &fakeProvider{runsErr: errors.New("boom")}
	c := New(p, testPolicy(3), 0, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Collect(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotNotGreenMergesChecks(t *testing.T) {
	failing := ci.RunState{ID: 9, WorkflowName: "test", Status: ci.StatusCompleted, Conclusion: ci.ConclusionFailure}
	snap := Snapshot{
		Runs: []ci.RunState{failing, green(8, "build")},
		PR: ci.PRStatus{Checks: []ci.RunState{
			failing,
			{WorkflowName: "ci/external", Status: ci.StatusInProgress},
		}},
		ObservedAt: time.Now(),
	}
	got := snap.NotGreen()
	require.Len(t, got, 2)
	require.Equal(t, int64(9), got[0].ID)
	require.Equal(t, "ci/external", got[1].WorkflowName)
}
