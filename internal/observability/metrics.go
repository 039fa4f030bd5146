package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	residentSessions    prometheus.Gauge
	activePrompts       prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	persistErrorsTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	promptRunTotal     *prometheus.CounterVec
	promptRunDuration  prometheus.Histogram
	modelAttemptsTotal *prometheus.CounterVec
	permissionTotal    *prometheus.CounterVec
	eventsForwarded    *prometheus.CounterVec

	gatewayConnections prometheus.Gauge
	gatewayRejected    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pilot_lane_queue_size",
					Help: "Current command queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_lane_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_lane_dequeue_total",
					Help: "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pilot_lane_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			residentSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pilot_resident_sessions",
					Help: "Sessions currently held in memory.",
				},
			),
			activePrompts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pilot_active_prompts",
					Help: "Prompts currently in flight.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pilot_session_load_duration_seconds",
					Help:    "Session snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pilot_session_save_duration_seconds",
					Help:    "Session snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			persistErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_session_persist_errors_total",
					Help: "Suppressed session persistence failures by operation.",
				},
				[]string{"op"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pilot_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			promptRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_prompt_run_total",
					Help: "Total prompt runs by outcome.",
				},
				[]string{"outcome"},
			),
			promptRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pilot_prompt_run_duration_seconds",
					Help:    "Prompt run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			modelAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_model_attempts_total",
					Help: "Model call attempts by provider and status.",
				},
				[]string{"provider", "status"},
			),
			permissionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_permission_requests_total",
					Help: "Tool permission decisions by tool and decision.",
				},
				[]string{"tool", "decision"},
			),
			eventsForwarded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_events_forwarded_total",
					Help: "Events forwarded to front-ends by type.",
				},
				[]string{"type"},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pilot_gateway_connections",
					Help: "Open websocket connections.",
				},
			),
			gatewayRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pilot_gateway_rejected_total",
					Help: "Gateway requests rejected by reason.",
				},
				[]string{"reason"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.residentSessions,
			m.activePrompts,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.persistErrorsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.promptRunTotal,
			m.promptRunDuration,
			m.modelAttemptsTotal,
			m.permissionTotal,
			m.eventsForwarded,
			m.gatewayConnections,
			m.gatewayRejected,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetResidentSessions(count int) {
	getMetrics().residentSessions.Set(float64(count))
}

func PromptStarted() {
	getMetrics().activePrompts.Inc()
}

func PromptFinished(outcome string, duration time.Duration) {
	m := getMetrics()
	m.activePrompts.Dec()
	m.promptRunTotal.WithLabelValues(outcome).Inc()
	m.promptRunDuration.Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordPersistError(op string) {
	getMetrics().persistErrorsTotal.WithLabelValues(op).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelAttempt(provider string, success bool) {
	getMetrics().modelAttemptsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordPermission(tool, decision string) {
	getMetrics().permissionTotal.WithLabelValues(tool, decision).Inc()
}

func RecordEventForwarded(eventType string) {
	getMetrics().eventsForwarded.WithLabelValues(eventType).Inc()
}

func SetGatewayConnections(count int) {
	getMetrics().gatewayConnections.Set(float64(count))
}

func RecordGatewayRejected(reason string) {
	getMetrics().gatewayRejected.WithLabelValues(reason).Inc()
}
