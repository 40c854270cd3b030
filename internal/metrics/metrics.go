// Package metrics counts controller activity for Prometheus textfile export.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the controller's collectors in a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	iterations  prometheus.Counter
	plans       *prometheus.CounterVec
	actions     *prometheus.CounterVec
	circuitOpen prometheus.Counter
	notGreen    prometheus.Gauge
	outcome     *prometheus.GaugeVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ciheal_iterations_total",
			Help: "Total number of controller iterations started",
		}),
		plans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciheal_plans_total",
			Help: "Plans used, by source",
		}, []string{"source"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ciheal_actions_total",
			Help: "Plan actions executed, by kind and outcome",
		}, []string{"kind", "outcome"}),
		circuitOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "ciheal_circuit_open_total",
			Help: "Times the circuit breaker was found open",
		}),
		notGreen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ciheal_not_green_runs",
			Help: "Runs not completed with success in the latest snapshot",
		}),
		outcome: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ciheal_outcome",
			Help: "Terminal state of the last controller run (1 for the state reached)",
		}, []string{"state"}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) IterationStarted() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

func (m *Metrics) PlanUsed(source string) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(source).Inc()
}

func (m *Metrics) ActionDone(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CircuitOpened() {
	if m == nil {
		return
	}
	m.circuitOpen.Inc()
}

func (m *Metrics) SetNotGreen(n int) {
	if m == nil {
		return
	}
	m.notGreen.Set(float64(n))
}

// Finished records the terminal state.
func (m *Metrics) Finished(state string) {
	if m == nil {
		return
	}
	m.outcome.Reset()
	m.outcome.WithLabelValues(state).Set(1)
}

// WriteFile writes every metric to path in the text exposition format,
// atomically.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for metrics file: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}
