package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IterationStarted()
	m.IterationStarted()
	m.PlanUsed("fallback")
	m.ActionDone("rerun", "ok")
	m.ActionDone("rerun", "ok")
	m.ActionDone("apply_patch", "failed")
	m.CircuitOpened()
	m.SetNotGreen(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.iterations))
	require.Equal(t, 1.0, testutil.ToFloat64(m.plans.WithLabelValues("fallback")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("rerun", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("apply_patch", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.circuitOpen))
	require.Equal(t, 3.0, testutil.ToFloat64(m.notGreen))
}

func TestFinishedKeepsOneState(t *testing.T) {
	m := New()
	m.Finished("max_iterations_reached")
	m.Finished("all_green")
	require.Equal(t, 1, testutil.CollectAndCount(m.outcome))
	require.Equal(t, 1.0, testutil.ToFloat64(m.outcome.WithLabelValues("all_green")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IterationStarted()
	m.PlanUsed("agent")
	m.ActionDone("rerun", "ok")
	m.CircuitOpened()
	m.SetNotGreen(1)
	m.Finished("aborted")
	require.NoError(t, m.WriteFile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteFile(t *testing.T) {
	m := New()
	m.IterationStarted()
	m.PlanUsed("agent")

	path := filepath.Join(t.TempDir(), "textfile", "ciheal.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "ciheal_iterations_total 1")
	require.Contains(t, text, `ciheal_plans_total{source="agent"} 1`)
	require.True(t, strings.Contains(text, "# HELP ciheal_not_green_runs"))
}
