package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors for novainfer's
// observable counters (§6).
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requestsSubmitted *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	workersSpawned    *prometheus.CounterVec
	workersEvicted    *prometheus.CounterVec

	generationLatency *prometheus.HistogramVec

	uptime        prometheus.GaugeFunc
	queueDepth    *prometheus.GaugeVec
	memoryInUse   prometheus.Gauge
	pressureLevel prometheus.Gauge
}

// Default histogram buckets for generation latency (in milliseconds).
var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

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

		requestsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_submitted_total",
				Help:      "Total requests submitted to the capability pool",
			},
			[]string{},
		),

		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total requests reaching a terminal chunk, by finish reason",
			},
			[]string{"finish_reason"},
		),

		workersSpawned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_spawned_total",
				Help:      "Total workers spawned, by model_id",
			},
			[]string{"model_id"},
		),

		workersEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_evicted_total",
				Help:      "Total workers evicted by the maintenance sweep, by model_id",
			},
			[]string{"model_id"},
		),

		generationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_latency_milliseconds",
				Help:      "Duration of one generation request in milliseconds, by model_id",
				Buckets:   buckets,
			},
			[]string{"model_id"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current aggregate inbound queue depth, by model_id",
			},
			[]string{"model_id"},
		),

		memoryInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_in_use_mb",
				Help:      "Memory currently reserved by the governor, in megabytes",
			},
		),

		pressureLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_pressure_level",
				Help:      "Current memory pressure level (0=low, 1=normal, 2=high, 3=critical)",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsSubmitted,
		pm.requestsCompleted,
		pm.workersSpawned,
		pm.workersEvicted,
		pm.generationLatency,
		pm.queueDepth,
		pm.memoryInUse,
		pm.pressureLevel,
		pm.uptime,
	)

	promMetrics = pm
}

func recordPrometheusSubmitted() {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsSubmitted.WithLabelValues().Inc()
}

func recordPrometheusCompleted(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsCompleted.WithLabelValues(reason).Inc()
}

func recordPrometheusWorkerSpawned(modelID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workersSpawned.WithLabelValues(modelID).Inc()
}

func recordPrometheusWorkerEvicted(modelID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workersEvicted.WithLabelValues(modelID).Inc()
}

func setPrometheusQueueDepth(modelID string, depth int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(modelID).Set(float64(depth))
}

func setPrometheusMemoryInUse(mb int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryInUse.Set(float64(mb))
}

func setPrometheusPressureLevel(level int32) {
	if promMetrics == nil {
		return
	}
	promMetrics.pressureLevel.Set(float64(level))
}

func observePrometheusGenerationLatency(modelID string, ms int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.generationLatency.WithLabelValues(modelID).Observe(float64(ms))
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
