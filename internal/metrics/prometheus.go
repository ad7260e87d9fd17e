package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for a provisioning run.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	layersTotal   prometheus.Counter
	taskDuration  *prometheus.HistogramVec
	layerDuration prometheus.Histogram

	transportCallsTotal  *prometheus.CounterVec
	transportRetryTotal  *prometheus.CounterVec
	transportFallbackTot *prometheus.CounterVec

	verifierFailuresTotal prometheus.Counter
	verifierArtifactsMiss *prometheus.CounterVec

	presetsTotal    *prometheus.CounterVec
	presetDuration  *prometheus.HistogramVec
	chainedBuilds   prometheus.Counter
	manifestWrites  prometheus.Counter
	manifestLockFor prometheus.Counter

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000}

var promMetrics *PrometheusMetrics

var startTime = time.Now()

// StartTime returns the time this package was initialized (process start,
// approximately).
func StartTime() time.Time { return startTime }

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of provisioning tasks executed, by outcome",
			},
			[]string{"task", "status"},
		),
		layersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layers_total",
				Help:      "Total number of scheduling layers executed",
			},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_milliseconds",
				Help:      "Task execution duration",
				Buckets:   buckets,
			},
			[]string{"task"},
		),
		layerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "layer_duration_milliseconds",
				Help:      "Scheduling layer wall-clock duration",
				Buckets:   buckets,
			},
		),

		transportCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_calls_total",
				Help:      "Total remote-exec transport calls, by transport and outcome",
			},
			[]string{"transport", "status"},
		),
		transportRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_retries_total",
				Help:      "Total transport retry attempts, by transport",
			},
			[]string{"transport"},
		),
		transportFallbackTot: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_fallbacks_total",
				Help:      "Total HTTP-to-SSH transport fallbacks, by reason",
			},
			[]string{"reason"},
		),

		verifierFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifier_failures_total",
				Help:      "Total verification failures that blocked templatization",
			},
		),
		verifierArtifactsMiss: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifier_artifact_missing_total",
				Help:      "Total missing-artifact occurrences, by artifact",
			},
			[]string{"artifact"},
		),

		presetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presets_total",
				Help:      "Total presets provisioned, by outcome",
			},
			[]string{"preset", "status"},
		),
		presetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "preset_duration_milliseconds",
				Help:      "Per-preset provisioning duration",
				Buckets:   buckets,
			},
			[]string{"preset"},
		),
		chainedBuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chained_builds_total",
				Help:      "Total presets built via the chaining optimisation (no task re-run)",
			},
		),
		manifestWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_writes_total",
				Help:      "Total atomic manifest writes",
			},
		),
		manifestLockFor: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_lock_contended_total",
				Help:      "Total times the distributed manifest lock was contended",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the provisioner process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.tasksTotal,
		pm.layersTotal,
		pm.taskDuration,
		pm.layerDuration,
		pm.transportCallsTotal,
		pm.transportRetryTotal,
		pm.transportFallbackTot,
		pm.verifierFailuresTotal,
		pm.verifierArtifactsMiss,
		pm.presetsTotal,
		pm.presetDuration,
		pm.chainedBuilds,
		pm.manifestWrites,
		pm.manifestLockFor,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordTask records a completed task's outcome and duration.
func RecordTask(task string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.tasksTotal.WithLabelValues(task, status).Inc()
	promMetrics.taskDuration.WithLabelValues(task).Observe(float64(durationMs))
}

// RecordLayer records a completed scheduling layer's duration.
func RecordLayer(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.layersTotal.Inc()
	promMetrics.layerDuration.Observe(float64(durationMs))
}

// RecordTransportCall records a remote-exec transport call outcome.
func RecordTransportCall(transport, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.transportCallsTotal.WithLabelValues(transport, status).Inc()
}

// RecordTransportRetry records a single retry attempt on a transport.
func RecordTransportRetry(transport string) {
	if promMetrics == nil {
		return
	}
	promMetrics.transportRetryTotal.WithLabelValues(transport).Inc()
}

// RecordTransportFallback records an HTTP-to-SSH fallback and its trigger.
func RecordTransportFallback(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.transportFallbackTot.WithLabelValues(reason).Inc()
}

// RecordVerifierFailure records a verification failure that blocked
// templatization, and the specific missing artifacts.
func RecordVerifierFailure(missingArtifacts []string) {
	if promMetrics == nil {
		return
	}
	promMetrics.verifierFailuresTotal.Inc()
	for _, a := range missingArtifacts {
		promMetrics.verifierArtifactsMiss.WithLabelValues(a).Inc()
	}
}

// RecordPreset records a completed preset's outcome and duration.
func RecordPreset(preset string, durationMs int64, success, chained bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.presetsTotal.WithLabelValues(preset, status).Inc()
	promMetrics.presetDuration.WithLabelValues(preset).Observe(float64(durationMs))
	if chained {
		promMetrics.chainedBuilds.Inc()
	}
}

// RecordManifestWrite records one atomic manifest write.
func RecordManifestWrite() {
	if promMetrics == nil {
		return
	}
	promMetrics.manifestWrites.Inc()
}

// RecordManifestLockContention records a contended manifest-lock acquisition.
func RecordManifestLockContention() {
	if promMetrics == nil {
		return
	}
	promMetrics.manifestLockFor.Inc()
}

// PrometheusHandler returns the HTTP handler serving the metrics endpoint.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, mainly for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
