// Package metrics collects and exposes novainfer's observable counters.
//
// # Design rationale
//
// Two metric stores coexist in this package, exactly as in the
// teacher's internal/metrics:
//
//  1. The in-process Metrics struct (atomic counters + per-model_id
//     entries) for the lightweight JSON snapshot the `stats` CLI
//     subcommand reads.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// Every counter is atomic; the sync.Map holding per-model_id entries is
// read-heavy and write-once-per-new-model_id, the same justification
// the teacher gives for using sync.Map over a mutex-guarded map there.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects process-wide inference counters (§6): requests
// submitted/completed, workers spawned/evicted, memory pressure, and
// per-model_id queue depth and generation latency.
type Metrics struct {
	RequestsSubmitted atomic.Int64
	WorkersSpawned    atomic.Int64
	WorkersEvicted    atomic.Int64

	completedByReason sync.Map // finish_reason -> *atomic.Int64
	perModel          sync.Map // model_id -> *modelMetrics

	memoryInUseMB atomic.Int64
	pressureLevel atomic.Int32 // mirrors governor.PressureLevel's iota order

	startTime time.Time
}

// modelMetrics tracks the per-model_id counters the maintenance loop
// and capability pool update on every tick/request.
type modelMetrics struct {
	QueueDepth     atomic.Int64
	LastLatencyMs  atomic.Int64
	WorkersSpawned atomic.Int64
	WorkersEvicted atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics subsystem was initialized.
func StartTime() time.Time { return global.startTime }

// RecordRequestSubmitted increments requests_submitted.
func (m *Metrics) RecordRequestSubmitted() {
	m.RequestsSubmitted.Add(1)
	recordPrometheusSubmitted()
}

// RecordRequestCompleted increments requests_completed{finish_reason}.
func (m *Metrics) RecordRequestCompleted(reason string) {
	m.counterFor(&m.completedByReason, reason).Add(1)
	recordPrometheusCompleted(reason)
}

// RecordWorkerSpawned increments workers_spawned, globally and for modelID.
func (m *Metrics) RecordWorkerSpawned(modelID string) {
	m.WorkersSpawned.Add(1)
	m.modelFor(modelID).WorkersSpawned.Add(1)
	recordPrometheusWorkerSpawned(modelID)
}

// RecordWorkerEvicted increments workers_evicted, globally and for modelID.
func (m *Metrics) RecordWorkerEvicted(modelID string) {
	m.WorkersEvicted.Add(1)
	m.modelFor(modelID).WorkersEvicted.Add(1)
	recordPrometheusWorkerEvicted(modelID)
}

// SetQueueDepth records the current inbound queue depth for a model_id.
func (m *Metrics) SetQueueDepth(modelID string, depth int64) {
	m.modelFor(modelID).QueueDepth.Store(depth)
	setPrometheusQueueDepth(modelID, depth)
}

// SetMemoryInUseMB records the governor's current allocated megabytes.
func (m *Metrics) SetMemoryInUseMB(mb int64) {
	m.memoryInUseMB.Store(mb)
	setPrometheusMemoryInUse(mb)
}

// SetPressureLevel records the governor's current pressure level as an
// ordinal (Low=0, Normal=1, High=2, Critical=3).
func (m *Metrics) SetPressureLevel(level int32) {
	m.pressureLevel.Store(level)
	setPrometheusPressureLevel(level)
}

// RecordGenerationLatency records one generation request's wall-clock
// duration for model_id, the per-model "last generation latency" (§6).
func (m *Metrics) RecordGenerationLatency(modelID string, d time.Duration) {
	ms := d.Milliseconds()
	m.modelFor(modelID).LastLatencyMs.Store(ms)
	observePrometheusGenerationLatency(modelID, ms)
}

func (m *Metrics) modelFor(modelID string) *modelMetrics {
	if v, ok := m.perModel.Load(modelID); ok {
		return v.(*modelMetrics)
	}
	v, _ := m.perModel.LoadOrStore(modelID, &modelMetrics{})
	return v.(*modelMetrics)
}

func (m *Metrics) counterFor(store *sync.Map, key string) *atomic.Int64 {
	if v, ok := store.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := store.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// Snapshot returns a point-in-time view of the process-wide counters,
// for the `novainfer stats` subcommand and the JSON handler below.
func (m *Metrics) Snapshot() map[string]interface{} {
	completed := make(map[string]int64)
	m.completedByReason.Range(func(key, value interface{}) bool {
		completed[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	models := make(map[string]interface{})
	m.perModel.Range(func(key, value interface{}) bool {
		mm := value.(*modelMetrics)
		models[key.(string)] = map[string]interface{}{
			"queue_depth":       mm.QueueDepth.Load(),
			"last_latency_ms":   mm.LastLatencyMs.Load(),
			"workers_spawned":   mm.WorkersSpawned.Load(),
			"workers_evicted":   mm.WorkersEvicted.Load(),
		}
		return true
	})

	return map[string]interface{}{
		"uptime_seconds":      int64(time.Since(m.startTime).Seconds()),
		"requests_submitted":  m.RequestsSubmitted.Load(),
		"requests_completed":  completed,
		"workers_spawned":     m.WorkersSpawned.Load(),
		"workers_evicted":     m.WorkersEvicted.Load(),
		"memory_in_use_mb":    m.memoryInUseMB.Load(),
		"memory_pressure":     m.pressureLevel.Load(),
		"models":              models,
	}
}

// JSONHandler returns an HTTP handler exposing the Snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
