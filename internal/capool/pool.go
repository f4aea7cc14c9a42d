// Package capool implements the per-capability pool of workers keyed by
// model_id: admission control, worker selection/routing, and the spawn
// policy that gates new workers on memory pressure. Grounded on the
// teacher's functionPool (pool.go), acquireGeneric/takeWarmVMLocked/
// waitForVMLocked (pool_acquisition.go) and preparePoolForFunction
// (pool_lifecycle.go), generalized from "pool key -> warm VMs" to
// "model_id -> warm workers".
package capool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/novainfer/internal/breaker"
	"github.com/oriys/novainfer/internal/domain"
	"github.com/oriys/novainfer/internal/governor"
	"github.com/oriys/novainfer/internal/metrics"
	"github.com/oriys/novainfer/internal/registry"
	"github.com/oriys/novainfer/internal/worker"
)

var (
	// ErrUnknownModel mirrors domain.ErrUnknownModel as a sentinel error
	// for callers that prefer errors.Is over inspecting a Chunk.
	ErrUnknownModel = errors.New("capool: unknown model")
	// ErrInsufficientMemory is returned when a spawn could not reserve
	// the descriptor's estimated memory from the governor.
	ErrInsufficientMemory = errors.New("capool: insufficient memory")
	// ErrQueueFull is returned when every worker's inbound queue is at
	// capacity and no further spawn is permitted.
	ErrQueueFull = errors.New("capool: queue full")
	// ErrShutdown is returned by Submit once Shutdown has been called.
	ErrShutdown = errors.New("capool: pool is shutting down")
	// ErrCircuitOpen is returned when a model's breaker has tripped and
	// is refusing new spawns.
	ErrCircuitOpen = errors.New("capool: circuit open for model")
)

// Config configures admission and spawn policy, mirroring spec §6's
// process-level keys.
type Config struct {
	MaxWorkersPerModel  int
	QueueDepthPerWorker int
	SpawnTimeout        time.Duration
	RequeueOnCrash      bool
}

func (c Config) withDefaults() Config {
	if c.MaxWorkersPerModel <= 0 {
		c.MaxWorkersPerModel = 4
	}
	if c.QueueDepthPerWorker <= 0 {
		c.QueueDepthPerWorker = 32
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 30 * time.Second
	}
	return c
}

// modelPool holds every worker currently serving one model_id. Its
// mutex guards the workers slice; cond wakes goroutines waiting for a
// worker to free up, bound to the same lock exactly as the teacher's
// functionPool.cond.
type modelPool struct {
	mu      sync.RWMutex
	cond    *sync.Cond
	workers []*worker.Worker
}

func newModelPool() *modelPool {
	mp := &modelPool{}
	mp.cond = sync.NewCond(&mp.mu)
	return mp
}

// broadcast wakes every goroutine waiting in waitForCapacity.
func (mp *modelPool) broadcast() {
	mp.mu.Lock()
	mp.cond.Broadcast()
	mp.mu.Unlock()
}

// pendingTotal sums PendingRequests across every worker, the aggregate
// inbound queue depth reported for queue_depth{model_id} (§6).
func (mp *modelPool) pendingTotal() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	var total int64
	for _, w := range mp.workers {
		total += int64(w.PendingRequests())
	}
	return total
}

// Pool is a capability-agnostic registry of model pools; one Pool
// instance serves every capability, since routing is keyed on model_id
// and a model_id implies exactly one capability via its descriptor.
type Pool struct {
	registry *registry.Registry
	governor *governor.Governor
	breakers *breaker.Registry
	cfg      Config
	group    singleflight.Group

	mu     sync.RWMutex
	pools  map[string]*modelPool
	closed bool
}

// New constructs a Pool over a frozen registry, a memory governor, and
// a shared breaker registry.
func New(reg *registry.Registry, gov *governor.Governor, breakers *breaker.Registry, cfg Config) *Pool {
	return &Pool{
		registry: reg,
		governor: gov,
		breakers: breakers,
		cfg:      cfg.withDefaults(),
		pools:    make(map[string]*modelPool),
	}
}

func (p *Pool) prepareModelPool(modelID string) *modelPool {
	p.mu.RLock()
	mp, ok := p.pools[modelID]
	p.mu.RUnlock()
	if ok {
		return mp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if mp, ok := p.pools[modelID]; ok {
		return mp
	}
	mp = newModelPool()
	p.pools[modelID] = mp
	return mp
}

// Submit is the public admission/routing entry point (spec §4.4).
func (p *Pool) Submit(ctx context.Context, req *domain.Request) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrShutdown
	}

	desc, ok := p.registry.Get(req.ModelID)
	if !ok {
		return ErrUnknownModel
	}
	metrics.Global().RecordRequestSubmitted()
	mp := p.prepareModelPool(desc.ID)

	deadline := time.Now().Add(p.cfg.SpawnTimeout)
	for {
		mp.mu.Lock()
		if len(mp.workers) == 0 {
			mp.mu.Unlock()
			w, err := p.spawnWorker(ctx, mp, desc)
			if err != nil {
				return err
			}
			return p.enqueue(mp, w, req)
		}

		// Step 3: if no worker is Ready yet and the primary worker is
		// still Spawning, enqueue on it anyway — FIFO behind load.
		if mp.workers[0].State() == worker.Spawning && !anyReadyLocked(mp.workers) {
			w := mp.workers[0]
			mp.mu.Unlock()
			return p.enqueue(mp, w, req)
		}

		target, wantSpawn := selectWorkerLocked(mp.workers, p.cfg.QueueDepthPerWorker)
		canSpawnMore := len(mp.workers) < p.cfg.MaxWorkersPerModel
		mp.mu.Unlock()

		if wantSpawn && canSpawnMore {
			if w, err := p.spawnWorker(ctx, mp, desc); err == nil {
				return p.enqueue(mp, w, req)
			}
			// Spawn refused (pressure, limit, memory, breaker): fall
			// through to the least-loaded existing worker instead.
		}

		if target != nil {
			if err := p.enqueue(mp, target, req); err == nil {
				return nil
			}
			// target's queue was full by the time we tried: wait for a
			// pending_requests decrement (or a new worker) and retry,
			// exactly as waitForVMLocked waits on fp.cond.
		}

		if time.Now().After(deadline) {
			return ErrQueueFull
		}
		if !p.waitForCapacity(ctx, mp, deadline) {
			return ErrQueueFull
		}
	}
}

// waitForCapacity blocks until mp.cond is signalled (a worker freed a
// slot or a new worker joined the pool), the deadline elapses, or ctx
// is cancelled. It mirrors the teacher's waitForVMLocked: a helper
// goroutine translates ctx.Done into a Broadcast since sync.Cond has no
// native context-awareness, and a timer does the same for the deadline.
func (p *Pool) waitForCapacity(ctx context.Context, mp *modelPool, deadline time.Time) bool {
	if ctx.Err() != nil {
		return false
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mp.mu.Lock()
			mp.cond.Broadcast()
			mp.mu.Unlock()
		case <-done:
		}
	}()

	timer := time.AfterFunc(time.Until(deadline), func() {
		mp.mu.Lock()
		mp.cond.Broadcast()
		mp.mu.Unlock()
	})

	mp.mu.Lock()
	mp.cond.Wait()
	mp.mu.Unlock()

	close(done)
	timer.Stop()
	return ctx.Err() == nil && time.Now().Before(deadline)
}

func anyReadyLocked(workers []*worker.Worker) bool {
	for _, w := range workers {
		if w.State() == worker.Ready {
			return true
		}
	}
	return false
}

// selectWorkerLocked implements spec §4.4 step 4: pick the Ready worker
// with the fewest pending requests, breaking ties by oldest last_used.
// Every worker is scanned exhaustively — max_workers_per_model is
// small enough (single digits) that a two-choice random sample buys
// nothing over a full scan, so this generalizes the teacher's LIFO
// readyVMs stack into a direct min-search.
// wantSpawn is true when the chosen worker's queue depth has reached
// queue_depth_per_worker * (1 + worker_count), signalling the caller
// should attempt to grow the pool before falling back to this worker.
func selectWorkerLocked(workers []*worker.Worker, queueDepthPerWorker int) (target *worker.Worker, wantSpawn bool) {
	var best *worker.Worker
	for _, w := range workers {
		if w.State() != worker.Ready {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.PendingRequests() < best.PendingRequests() {
			best = w
			continue
		}
		if w.PendingRequests() == best.PendingRequests() && w.LastUsed().Before(best.LastUsed()) {
			best = w
		}
	}
	if best == nil {
		return nil, true
	}
	threshold := int32(queueDepthPerWorker * (1 + len(workers)))
	return best, best.PendingRequests() >= threshold
}

// enqueue sends req onto w's inbound channel, incrementing its pending
// counter on success. It fails QueueFull if the channel is saturated.
func (p *Pool) enqueue(mp *modelPool, w *worker.Worker, req *domain.Request) error {
	select {
	case w.Inbound() <- req:
		w.IncPending()
		metrics.Global().SetQueueDepth(req.ModelID, mp.pendingTotal())
		return nil
	default:
		return ErrQueueFull
	}
}

// spawnWorker reserves memory with the governor, consults the model's
// breaker and the current pressure level, then loads and starts a new
// worker. Concurrent spawns for the same model_id are deduplicated via
// singleflight, exactly as the teacher's acquireGeneric deduplicates
// concurrent VM creation for the same pool key: the registry insertion
// itself happens inside the singleflight closure so only the leader
// call appends the new worker to mp.workers — followers that observed
// len(mp.workers)==0 concurrently and raced into this function get back
// the same *worker.Worker the leader created, already installed, rather
// than re-appending it a second time.
func (p *Pool) spawnWorker(ctx context.Context, mp *modelPool, desc domain.ModelDescriptor) (*worker.Worker, error) {
	if b := p.breakers.Get(desc.ID); b != nil && !b.Allow() {
		return nil, ErrCircuitOpen
	}

	switch p.governor.Pressure() {
	case governor.Critical:
		return nil, ErrInsufficientMemory
	case governor.High:
		mp.mu.RLock()
		n := len(mp.workers)
		mp.mu.RUnlock()
		if n > 0 {
			return nil, ErrInsufficientMemory
		}
	}

	v, err, _ := p.group.Do(desc.ID, func() (interface{}, error) {
		if err := p.governor.TryReserve(int64(desc.EstimatedMemoryMB)); err != nil {
			return nil, ErrInsufficientMemory
		}
		model, err := desc.Loader(domain.Device{Name: "cpu"})
		if err != nil {
			p.governor.Release(int64(desc.EstimatedMemoryMB))
			if b := p.breakers.Get(desc.ID); b != nil {
				b.RecordFailure()
			}
			return nil, fmt.Errorf("capool: load model %q: %w", desc.ID, err)
		}
		w := worker.New(fmt.Sprintf("%s-%d", desc.ID, time.Now().UnixNano()), desc, model, desc.Tokenizer, p.cfg.QueueDepthPerWorker)
		if p.cfg.RequeueOnCrash {
			w.RequeueOnCrash = true
			w.SetRequeue(func(req *domain.Request) { _ = p.Submit(ctx, req) })
		}
		w.SetSlotFreedCallback(func() {
			mp.broadcast()
			metrics.Global().SetQueueDepth(desc.ID, mp.pendingTotal())
		})
		go w.Run()
		if b := p.breakers.Get(desc.ID); b != nil {
			b.RecordSuccess()
		}
		mp.mu.Lock()
		mp.workers = append(mp.workers, w)
		mp.cond.Broadcast()
		mp.mu.Unlock()
		metrics.Global().RecordWorkerSpawned(desc.ID)
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker.Worker), nil
}

// Shutdown drains every worker across every model pool. It blocks
// until all workers have stopped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	pools := make([]*modelPool, 0, len(p.pools))
	for _, mp := range p.pools {
		pools = append(pools, mp)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, mp := range pools {
		mp.mu.RLock()
		workers := append([]*worker.Worker(nil), mp.workers...)
		mp.mu.RUnlock()
		for _, w := range workers {
			wg.Add(1)
			go func(w *worker.Worker) {
				defer wg.Done()
				w.Shutdown()
			}(w)
		}
	}
	wg.Wait()
}

// WorkerCount returns the number of workers currently serving modelID.
func (p *Pool) WorkerCount(modelID string) int {
	p.mu.RLock()
	mp, ok := p.pools[modelID]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.workers)
}

// ModelIDs returns every model_id with a live pool, for the maintenance
// sweep to iterate over.
func (p *Pool) ModelIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	return ids
}

// WorkersSnapshot returns a point-in-time copy of the workers serving
// modelID, for the maintenance loop's read-only candidate scan.
func (p *Pool) WorkersSnapshot(modelID string) []*worker.Worker {
	p.mu.RLock()
	mp, ok := p.pools[modelID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return append([]*worker.Worker(nil), mp.workers...)
}

// EvictWorker removes workerID from modelID's pool and shuts it down,
// releasing its reserved memory back to the governor. It is the only
// way a worker leaves a pool outside of a full Shutdown; the governor
// release and registry removal happen only after the worker thread
// joins, matching the teacher's two-phase eviction ordering.
func (p *Pool) EvictWorker(modelID, workerID string) error {
	p.mu.RLock()
	mp, ok := p.pools[modelID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("capool: no pool for model %q", modelID)
	}

	mp.mu.Lock()
	var target *worker.Worker
	for _, w := range mp.workers {
		if w.ID == workerID {
			target = w
			break
		}
	}
	mp.mu.Unlock()
	if target == nil {
		return fmt.Errorf("capool: worker %q not found in model %q", workerID, modelID)
	}

	target.Shutdown()

	mp.mu.Lock()
	for i, w := range mp.workers {
		if w.ID == workerID {
			mp.workers = append(mp.workers[:i], mp.workers[i+1:]...)
			break
		}
	}
	mp.mu.Unlock()

	p.governor.Release(int64(target.PerWorkerMB))
	return nil
}
