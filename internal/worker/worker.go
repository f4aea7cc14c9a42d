// Package worker implements a single worker: one loaded model instance,
// its tokenizer, its sampling scratch state, and a select loop over
// shutdown and inbound requests. Grounded on the teacher's PooledVM
// (one long-lived resource + inflight counter + LastUsed) generalized
// from "one VM" to "one loaded model + token generator", and on the
// async worker pool's select-over-stopCh-vs-taskCh loop shape.
package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/novainfer/internal/domain"
	"github.com/oriys/novainfer/internal/generate"
	"github.com/oriys/novainfer/internal/logging"
	"github.com/oriys/novainfer/internal/metrics"
)

// errCancelled is returned by reqContext.Err once the request's reply
// sink has been closed by the caller.
var errCancelled = errors.New("worker: request cancelled")

// State is the lifecycle stage of a Worker.
type State int32

const (
	Spawning State = iota
	Ready
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Worker owns one loaded model and runs a single-threaded request loop.
// Its counters are atomic so a capability pool can read PendingRequests
// and LastUsed without taking the worker's own lock.
type Worker struct {
	ID         string
	ModelID    string
	Capability domain.Capability
	PerWorkerMB int

	model     domain.Model
	tokenizer domain.Tokenizer
	eos       map[uint32]struct{}
	defaults  domain.SamplingDefaults

	state           atomic.Int32
	pendingRequests atomic.Int32
	lastUsed        atomic.Int64

	inbound  chan *domain.Request
	shutdown chan struct{}

	once sync.Once
	done chan struct{}

	// RequeueOnCrash, when set, causes queued requests still pending at
	// the moment the worker dies to be handed to onRequeue instead of
	// being replied to with Err(Runtime) directly. Resolves spec Open
	// Question (a): default behaviour is Err(Runtime) with partial
	// output, sibling-requeue is opt-in.
	RequeueOnCrash bool
	onRequeue      func(*domain.Request)

	// onSlotFreed, when set, is invoked after every terminal-chunk
	// decrement of pendingRequests, letting the owning pool wake any
	// goroutine waiting for capacity on this model.
	onSlotFreed func()

	servedAny atomic.Bool
}

// New constructs a worker around a loaded model. The worker starts in
// Spawning; Run transitions it to Ready when its loop starts.
func New(id string, descriptor domain.ModelDescriptor, model domain.Model, tokenizer domain.Tokenizer, queueDepth int) *Worker {
	w := &Worker{
		ID:          id,
		ModelID:     descriptor.ID,
		Capability:  descriptor.Capability,
		PerWorkerMB: descriptor.EstimatedMemoryMB,
		model:       model,
		tokenizer:   tokenizer,
		eos:         descriptor.EOSTokens,
		defaults:    descriptor.SamplingDefaults,
		inbound:     make(chan *domain.Request, queueDepth),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.state.Store(int32(Spawning))
	w.lastUsed.Store(time.Now().UnixNano())
	return w
}

// SetRequeue installs the sibling-requeue callback used on a crash when
// RequeueOnCrash is enabled.
func (w *Worker) SetRequeue(fn func(*domain.Request)) { w.onRequeue = fn }

// SetSlotFreedCallback installs the callback invoked after each
// terminal chunk frees a pending slot.
func (w *Worker) SetSlotFreedCallback(fn func()) { w.onSlotFreed = fn }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// PendingRequests returns the number of requests enqueued but not yet
// terminal. The pool increments this on enqueue; the worker decrements
// it after emitting the terminal chunk.
func (w *Worker) PendingRequests() int32 { return w.pendingRequests.Load() }

// IncPending is called by the pool immediately after a successful
// enqueue onto Inbound.
func (w *Worker) IncPending() { w.pendingRequests.Add(1) }

// LastUsed returns the last time a request started on this worker.
func (w *Worker) LastUsed() time.Time {
	return time.Unix(0, w.lastUsed.Load())
}

// Inbound returns the channel the pool enqueues requests onto.
func (w *Worker) Inbound() chan<- *domain.Request { return w.inbound }

// Shutdown signals the worker to stop after draining in-flight work,
// and blocks until the run loop has exited.
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.shutdown) })
	<-w.done
}

// markReady transitions Spawning -> Ready; called by Run as its loop
// starts.
func (w *Worker) markReady() { w.state.Store(int32(Ready)) }

// Run is the worker's single-threaded loop: select between shutdown and
// inbound, shutdown always winning immediately. It blocks until
// Shutdown is called or the model reports a Runtime fault, and closes
// the model before returning.
func (w *Worker) Run() {
	defer close(w.done)
	defer func() {
		if w.model != nil {
			_ = w.model.Close()
		}
	}()
	w.markReady()

	for {
		// A pending shutdown is checked on its own first, so it wins
		// over a request that is ready at the same time.
		select {
		case <-w.shutdown:
			w.state.Store(int32(Draining))
			w.drainQueued(domain.Err(domain.ErrCancelled, "worker shutting down"))
			w.state.Store(int32(Dead))
			return
		default:
		}
		select {
		case <-w.shutdown:
			w.state.Store(int32(Draining))
			w.drainQueued(domain.Err(domain.ErrCancelled, "worker shutting down"))
			w.state.Store(int32(Dead))
			return
		case req := <-w.inbound:
			if req == nil {
				continue
			}
			if !w.handle(req) {
				w.state.Store(int32(Dead))
				w.drainQueued(domain.Err(domain.ErrRuntime, "model runtime fault"))
				return
			}
		}
	}
}

// handle runs one request to its terminal chunk. It returns false if
// the model faulted (Runtime) while serving this request, signalling
// the caller to transition the worker to Dead and stop the loop.
func (w *Worker) handle(req *domain.Request) bool {
	w.lastUsed.Store(time.Now().UnixNano())
	start := time.Now()
	coldStart := !w.servedAny.Swap(true)
	var result domain.Chunk
	defer func() {
		w.pendingRequests.Add(-1)
		if w.onSlotFreed != nil {
			w.onSlotFreed()
		}
		w.logRequest(req, result, coldStart, time.Since(start))
	}()

	switch req.Capability {
	case domain.TextToText:
		gen := generate.New(w.model, w.tokenizer, w.eos)
		cfg := generate.ResolveConfig(req.Params, w.defaults)
		prompt, err := w.tokenizer.Encode(string(req.Payload))
		if err != nil {
			result = domain.Err(domain.ErrLoadFailure, err.Error())
			req.Reply.Send(result)
			return true
		}
		deadline := req.Params.Deadline
		result = gen.Run(reqContext{req: req}, req.Reply, prompt, cfg, deadline)
		return !(result.Kind == domain.ChunkErr && result.ErrKind == domain.ErrRuntime)
	default:
		chunk, err := w.model.Infer(reqContext{req: req}, req.Payload)
		if err != nil {
			result = domain.Err(domain.ErrRuntime, err.Error())
			req.Reply.Send(result)
			return false
		}
		result = chunk
		req.Reply.Send(chunk)
		if !chunk.Kind.Terminal() {
			result = domain.Done(domain.Usage{}, domain.FinishStop)
			req.Reply.Send(result)
		}
		return true
	}
}

// logRequest emits one RequestLog entry per completed request to the
// package-default request logger (internal/logging.Default), the
// per-request audit trail alongside the operational slog stream. This
// is independent of handle's bool return: that signals whether the
// worker itself survived the request, while Success here reflects
// whether the request's own terminal chunk was an error.
func (w *Worker) logRequest(req *domain.Request, result domain.Chunk, coldStart bool, d time.Duration) {
	entry := &logging.RequestLog{
		RequestID:  req.RequestID,
		ModelID:    w.ModelID,
		Capability: string(w.Capability),
		WorkerID:   w.ID,
		DurationMs: d.Milliseconds(),
		ColdStart:  coldStart,
		Success:    result.Kind != domain.ChunkErr,
	}
	if result.Kind == domain.ChunkErr {
		entry.Error = result.ErrMessage
	}
	if result.Kind == domain.ChunkDone {
		entry.FinishReason = string(result.FinishReason)
		entry.PromptTokens = result.Usage.PromptTokens
		entry.GeneratedTokens = result.Usage.GeneratedTokens
	}
	logging.Default().Log(entry)

	reason := entry.FinishReason
	if reason == "" {
		reason = string(result.ErrKind)
	}
	metrics.Global().RecordRequestCompleted(reason)
	metrics.Global().RecordGenerationLatency(w.ModelID, d)
}

// drainQueued replies to every request still sitting in inbound with
// the given terminal chunk, then drains the channel so Shutdown's
// caller never leaks it. If RequeueOnCrash is set, a requeue callback is
// installed and the drain follows a Runtime fault, queued requests are
// handed to sibling workers instead of being failed outright.
func (w *Worker) drainQueued(fallback domain.Chunk) {
	for {
		select {
		case req := <-w.inbound:
			if req == nil {
				continue
			}
			w.pendingRequests.Add(-1)
			if w.RequeueOnCrash && w.onRequeue != nil && fallback.ErrKind == domain.ErrRuntime {
				w.onRequeue(req)
				continue
			}
			req.Reply.Send(fallback)
		default:
			return
		}
	}
}

// reqContext adapts a domain.Request's reply sink cancellation into the
// minimal domain.Context a Model implementation needs.
type reqContext struct {
	req *domain.Request
}

func (c reqContext) Done() <-chan struct{} {
	ch := make(chan struct{})
	if c.req.Reply.Cancelled() {
		close(ch)
	}
	return ch
}

func (c reqContext) Err() error {
	if c.req.Reply.Cancelled() {
		return errCancelled
	}
	return nil
}
