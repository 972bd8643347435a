package agent

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type orchestratorMetrics struct {
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	orphans        prometheus.Counter
}

func newOrchestratorMetrics(registry *prometheus.Registry) *orchestratorMetrics {
	if registry == nil {
		return nil
	}

	m := &orchestratorMetrics{
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_executions_total",
			Help: "Total number of tool executions by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_tool_duration_seconds",
			Help:    "Duration of tool executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_turns_total",
			Help: "Total number of user turns by provider and outcome",
		}, []string{"provider", "outcome"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_orphaned_tool_calls_total",
			Help: "Total number of orphaned tool call references removed from histories",
		}),
	}

	m.toolExecutions = register(registry, m.toolExecutions)
	m.toolDuration = register(registry, m.toolDuration)
	m.turns = register(registry, m.turns)
	m.orphans = register(registry, m.orphans)

	return m
}

// register adds c to registry, returning the collector already registered
// under the same descriptor if there is one.
func register[C prometheus.Collector](registry *prometheus.Registry, c C) C {
	if err := registry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *orchestratorMetrics) toolExecuted(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *orchestratorMetrics) turnCompleted(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, ErrMaxTurnsExceeded):
		outcome = "max_turns"
	case err != nil:
		outcome = "error"
	}
	m.turns.WithLabelValues(provider, outcome).Inc()
}

func (m *orchestratorMetrics) orphansRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.orphans.Add(float64(n))
}
