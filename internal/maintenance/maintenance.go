// Package maintenance runs the single dedicated sweep thread (spec
// §4.6): a ticker fires every maintenance_interval_sec, and on each
// tick every model's workers are scanned for the all-idle condition and
// the single oldest-last_used worker is evicted, at most one per
// model_id per tick. Grounded on the teacher's pool_lifecycle.go
// cleanupLoop/cleanupExpired (ticker-driven sweep, candidate collection
// under lock, eviction dispatched after the lock is released) and
// internal/autoscaler's separate-ticker-goroutine shape, generalized
// from tiered VM eviction to the spec's gradual one-worker-per-tick
// cool-down.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/novainfer/internal/governor"
	"github.com/oriys/novainfer/internal/logging"
	"github.com/oriys/novainfer/internal/metrics"
	"github.com/oriys/novainfer/internal/worker"
)

// WorkerLister is the subset of capool.Pool the sweep depends on. Kept
// as an interface so tests can substitute a fake pool without spinning
// up real workers.
type WorkerLister interface {
	ModelIDs() []string
	WorkersSnapshot(modelID string) []*worker.Worker
	EvictWorker(modelID, workerID string) error
}

// Sweeper runs the periodic maintenance loop over a capability pool.
type Sweeper struct {
	pool           WorkerLister
	gov            *governor.Governor
	interval       time.Duration
	idleEviction   time.Duration
	evictedTotal   atomic.Int64
	retryQueue     map[string]struct{}
	retryQueueLock sync.Mutex

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New constructs a Sweeper. interval and idleEviction mirror
// maintenance_interval_sec and idle_eviction_sec from §6. gov is used
// once per tick to emit the aggregate memory_in_use_mb/pressure_level
// observables (§4.6 step 4); it may be nil in tests that only exercise
// eviction.
func New(pool WorkerLister, gov *governor.Governor, interval, idleEviction time.Duration) *Sweeper {
	return &Sweeper{
		pool:         pool,
		gov:          gov,
		interval:     interval,
		idleEviction: idleEviction,
		retryQueue:   make(map[string]struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the sweep loop on its own goroutine. It is a no-op if
// called more than once.
func (s *Sweeper) Start(ctx context.Context) {
	s.once.Do(func() {
		go s.loop(ctx)
	})
}

// Stop halts the sweep loop and blocks until it has exited.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// EvictedTotal returns the cumulative count of workers evicted by this
// sweeper, for the observable evicted_total counter (§6).
func (s *Sweeper) EvictedTotal() int64 { return s.evictedTotal.Load() }

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// candidate is an eviction target collected under a model pool's read
// lock, acted on only after the lock is released — the two-phase
// ordering spec §4.6 requires.
type candidate struct {
	modelID string
	w       *worker.Worker
}

// tick implements one maintenance pass: collect every model's eviction
// candidate first, then evict, so no eviction happens while holding a
// pool's lock. Collection fans out one goroutine per model_id via
// errgroup, mirroring the teacher's use of errgroup for parallel
// multi-stream work in internal/executor; each model's result lands in
// its own slot so the fan-out needs no shared-slice locking.
func (s *Sweeper) tick() {
	s.reportMemory()

	now := time.Now()
	modelIDs := s.pool.ModelIDs()
	slots := make([]*candidate, len(modelIDs))

	var g errgroup.Group
	for i, modelID := range modelIDs {
		i, modelID := i, modelID
		g.Go(func() error {
			workers := s.pool.WorkersSnapshot(modelID)
			if len(workers) == 0 {
				return nil
			}
			if c, ok := s.allIdleLRU(workers, now); ok {
				slots[i] = &candidate{modelID: modelID, w: c}
			}
			return nil
		})
	}
	g.Wait()

	for _, c := range slots {
		if c != nil {
			s.evict(c.modelID, c.w)
		}
	}
}

// reportMemory emits the aggregate memory_in_use_mb and pressure_level
// observables once per tick (§4.6 step 4), reading the governor's
// ledger rather than summing worker PerWorkerMB so the figure matches
// exactly what admission control sees.
func (s *Sweeper) reportMemory() {
	if s.gov == nil {
		return
	}
	allocated := s.gov.AllocatedMB()
	pressure := s.gov.Pressure()
	metrics.Global().SetMemoryInUseMB(allocated)
	metrics.Global().SetPressureLevel(int32(pressure))
	logging.Op().Info("maintenance: memory usage",
		"memory_in_use_mb", allocated, "limit_mb", s.gov.LimitMB(), "pressure_level", pressure.String())
}

// allIdleLRU reports whether every worker for a model is idle for at
// least idle_eviction_sec, and if so returns the one with the oldest
// last_used — the sole eviction candidate for this tick, enforcing the
// "at most one worker per model_id per tick" gradual policy.
func (s *Sweeper) allIdleLRU(workers []*worker.Worker, now time.Time) (*worker.Worker, bool) {
	var oldest *worker.Worker
	for _, w := range workers {
		if w.PendingRequests() != 0 {
			return nil, false
		}
		if now.Sub(w.LastUsed()) < s.idleEviction {
			return nil, false
		}
		if oldest == nil || w.LastUsed().Before(oldest.LastUsed()) {
			oldest = w
		}
	}
	return oldest, oldest != nil
}

// evict drains and removes one worker. A join timeout (or any other
// eviction error) is logged as a warning on every failure, and the
// worker stays in the pool, so the next tick's fresh allIdleLRU scan
// can select it again. The retry set records the handles whose last
// eviction failed; it is not consulted when choosing candidates or
// when logging.
func (s *Sweeper) evict(modelID string, w *worker.Worker) {
	if err := s.pool.EvictWorker(modelID, w.ID); err != nil {
		logging.Op().Warn("maintenance: eviction failed, will retry next tick",
			"model_id", modelID, "worker_id", w.ID, "error", err)
		s.markRetry(modelID, w.ID)
		return
	}
	s.clearRetry(modelID, w.ID)
	s.evictedTotal.Add(1)
	metrics.Global().RecordWorkerEvicted(modelID)
	logging.Op().Info("maintenance: evicted idle worker",
		"model_id", modelID, "worker_id", w.ID)
}

func (s *Sweeper) markRetry(modelID, workerID string) {
	s.retryQueueLock.Lock()
	defer s.retryQueueLock.Unlock()
	s.retryQueue[modelID+"/"+workerID] = struct{}{}
}

func (s *Sweeper) clearRetry(modelID, workerID string) {
	s.retryQueueLock.Lock()
	defer s.retryQueueLock.Unlock()
	delete(s.retryQueue, modelID+"/"+workerID)
}
