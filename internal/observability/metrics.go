package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steward"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	identityResolutions *prometheus.CounterVec
	sessionCacheOps     *prometheus.CounterVec

	checkpointLoadDuration prometheus.Histogram
	checkpointSaveDuration prometheus.Histogram

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec
	toolsOffered         prometheus.Histogram

	approvalsTotal *prometheus.CounterVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelRetriesTotal *prometheus.CounterVec

	turnTotal *prometheus.CounterVec

	attachmentsTotal *prometheus.CounterVec
	attachmentBytes  prometheus.Counter

	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec
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
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			identityResolutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "identity_resolutions_total",
					Help:      "Identity resolutions by winning source (none on failure).",
				},
				[]string{"source"},
			),
			sessionCacheOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_cache_operations_total",
					Help:      "Session cache operations by operation and result.",
				},
				[]string{"op", "result"},
			),
			checkpointLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "checkpoint_load_duration_seconds",
					Help:      "Thread checkpoint load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			checkpointSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "checkpoint_save_duration_seconds",
					Help:      "Thread checkpoint save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_total",
					Help:      "Tool dispatches by tool and outcome (ok or error kind).",
				},
				[]string{"tool", "outcome"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_duration_seconds",
					Help:      "Tool dispatch duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolsOffered: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tools_offered",
					Help:      "Number of tools offered to the model per turn after entitlement filtering.",
					Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
				},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "approvals_total",
					Help:      "Approval gate outcomes by kind and action.",
				},
				[]string{"kind", "action"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Model invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model invocation duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_retries_total",
					Help:      "Model invocation retries by provider.",
				},
				[]string{"provider"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Turns ended by terminal state.",
				},
				[]string{"state"},
			),
			attachmentsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "attachments_total",
					Help:      "Attachments persisted by namespace.",
				},
				[]string{"namespace"},
			),
			attachmentBytes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "attachment_bytes_total",
					Help:      "Total attachment payload bytes persisted.",
				},
			),
			maintenanceRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "maintenance_runs_total",
					Help:      "Maintenance job runs by job and status.",
				},
				[]string{"job", "status"},
			),
			maintenanceDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "maintenance_duration_seconds",
					Help:      "Maintenance job duration.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"job"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.identityResolutions,
			m.sessionCacheOps,
			m.checkpointLoadDuration,
			m.checkpointSaveDuration,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.toolsOffered,
			m.approvalsTotal,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelRetriesTotal,
			m.turnTotal,
			m.attachmentsTotal,
			m.attachmentBytes,
			m.maintenanceRuns,
			m.maintenanceDuration,
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

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordIdentityResolution counts a resolution by the strategy that produced it.
func RecordIdentityResolution(source string) {
	if source == "" {
		source = "none"
	}
	getMetrics().identityResolutions.WithLabelValues(source).Inc()
}

// RecordSessionCacheOp counts a cache operation; result is hit, miss, ok or error.
func RecordSessionCacheOp(op, result string) {
	getMetrics().sessionCacheOps.WithLabelValues(op, result).Inc()
}

func RecordCheckpointLoad(duration time.Duration) {
	getMetrics().checkpointLoadDuration.Observe(duration.Seconds())
}

func RecordCheckpointSave(duration time.Duration) {
	getMetrics().checkpointSaveDuration.Observe(duration.Seconds())
}

// RecordToolDispatch counts one dispatch. outcome is "ok" or the error kind.
func RecordToolDispatch(tool string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolsOffered(count int) {
	getMetrics().toolsOffered.Observe(float64(count))
}

func RecordApproval(kind, action string) {
	getMetrics().approvalsTotal.WithLabelValues(kind, action).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelRetry(provider string) {
	getMetrics().modelRetriesTotal.WithLabelValues(provider).Inc()
}

func RecordTurn(state string) {
	getMetrics().turnTotal.WithLabelValues(state).Inc()
}

func RecordAttachment(namespace string, size int) {
	m := getMetrics()
	m.attachmentsTotal.WithLabelValues(namespace).Inc()
	m.attachmentBytes.Add(float64(size))
}

func RecordMaintenanceRun(job, status string, durationMs int64) {
	m := getMetrics()
	m.maintenanceRuns.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		m.maintenanceDuration.WithLabelValues(job).Observe(float64(durationMs) / 1000)
	}
}
