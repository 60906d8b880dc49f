// Package metrics registers and records the runtime's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runtimeMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	loopIterations   prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	lockContentionTotal *prometheus.CounterVec
	staleLockReleases   prometheus.Counter

	scheduleVerifyTotal *prometheus.CounterVec
	guardBlocksTotal    *prometheus.CounterVec

	eventDropsTotal   prometheus.Counter
	eventSubscribers  prometheus.Gauge
	transportRestarts *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *runtimeMetrics
)

func getMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		m := &runtimeMetrics{
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by entity kind and status.",
				},
				[]string{"kind", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by entity kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			loopIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_loop_iterations",
					Help:    "Iterations used per agent loop run.",
					Buckets: []float64{1, 2, 3, 5, 8, 10},
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			lockContentionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "execution_lock_contention_total",
					Help: "Denied execution lock claims by entity kind.",
				},
				[]string{"kind"},
			),
			staleLockReleases: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stale_lock_releases_total",
					Help: "Execution locks force-released by the periodic sweep.",
				},
			),
			scheduleVerifyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "schedule_verifications_total",
					Help: "Schedule verifier outcomes by result.",
				},
				[]string{"result"},
			),
			guardBlocksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_guard_blocks_total",
					Help: "Generation guard denials by reason.",
				},
				[]string{"reason"},
			),
			eventDropsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "event_drops_total",
					Help: "Events dropped because a subscriber channel was full.",
				},
			),
			eventSubscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "event_subscribers",
					Help: "Current event bus subscriber count.",
				},
			),
			transportRestarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpc_transport_restarts_total",
					Help: "Tool server subprocess restarts by server.",
				},
				[]string{"server"},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.loopIterations,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.lockContentionTotal,
			m.staleLockReleases,
			m.scheduleVerifyTotal,
			m.guardBlocksTotal,
			m.eventDropsTotal,
			m.eventSubscribers,
			m.transportRestarts,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentRun(kind string, duration time.Duration, status string) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(kind, status).Inc()
	m.agentRunDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordLoopIterations(n int) {
	getMetrics().loopIterations.Observe(float64(n))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordLockContention(kind string) {
	getMetrics().lockContentionTotal.WithLabelValues(kind).Inc()
}

func RecordStaleLockRelease() {
	getMetrics().staleLockReleases.Inc()
}

func RecordScheduleVerification(result string) {
	getMetrics().scheduleVerifyTotal.WithLabelValues(result).Inc()
}

func RecordGuardBlock(reason string) {
	getMetrics().guardBlocksTotal.WithLabelValues(reason).Inc()
}

func RecordEventDrop() {
	getMetrics().eventDropsTotal.Inc()
}

func SetEventSubscribers(count int) {
	getMetrics().eventSubscribers.Set(float64(count))
}

func RecordTransportRestart(server string) {
	getMetrics().transportRestarts.WithLabelValues(server).Inc()
}
