package capool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/novainfer/internal/breaker"
	"github.com/oriys/novainfer/internal/domain"
	"github.com/oriys/novainfer/internal/governor"
	"github.com/oriys/novainfer/internal/registry"
)

// blockingModel's Infer blocks until release is closed, letting tests
// hold a worker's slot occupied to exercise queue saturation and the
// additional-spawn path deterministically.
type blockingModel struct {
	release chan struct{}
}

func (m *blockingModel) Forward(ctx domain.Context, tokens []uint32) ([]float32, error) {
	return nil, nil
}

func (m *blockingModel) Infer(ctx domain.Context, payload []byte) (domain.Chunk, error) {
	<-m.release
	return domain.Chunk{Kind: domain.ChunkEmbedding, Embedding: []float32{1}}, nil
}

func (m *blockingModel) Close() error { return nil }

func newBreakerRegistry() *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   time.Minute,
		HalfOpenProbes: 1,
	})
}

func newRequest(modelID string) *domain.Request {
	return &domain.Request{
		RequestID:  "req-1",
		ModelID:    modelID,
		Capability: domain.TextEmbedding,
		Payload:    []byte("hello"),
		Reply:      domain.NewReplySink(2),
	}
}

func freshRegistry(t *testing.T, modelID string, release chan struct{}) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(domain.ModelDescriptor{
		ID:                modelID,
		Capability:        domain.TextEmbedding,
		EstimatedMemoryMB: 10,
		Loader: func(dev domain.Device) (domain.Model, error) {
			return &blockingModel{release: release}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()
	return reg
}

func TestSubmitSpawnsWorkerOnFirstRequest(t *testing.T) {
	release := make(chan struct{})
	close(release)
	reg := freshRegistry(t, "embed-a", release)
	gov := governor.New(1000)
	p := New(reg, gov, newBreakerRegistry(), Config{MaxWorkersPerModel: 4, QueueDepthPerWorker: 8})

	if err := p.Submit(context.Background(), newRequest("embed-a")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := p.WorkerCount("embed-a"); got != 1 {
		t.Fatalf("expected 1 worker, got %d", got)
	}
}

func TestSubmitReturnsUnknownModel(t *testing.T) {
	reg := registry.New()
	reg.Freeze()
	gov := governor.New(1000)
	p := New(reg, gov, newBreakerRegistry(), Config{})

	err := p.Submit(context.Background(), newRequest("ghost"))
	if err != ErrUnknownModel {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestSubmitReturnsInsufficientMemoryUnderCriticalPressure(t *testing.T) {
	release := make(chan struct{})
	close(release)
	reg := freshRegistry(t, "embed-b", release)
	gov := governor.New(100)
	if err := gov.TryReserve(96); err != nil {
		t.Fatalf("pre-reserve: %v", err)
	}
	p := New(reg, gov, newBreakerRegistry(), Config{MaxWorkersPerModel: 4, QueueDepthPerWorker: 8})

	err := p.Submit(context.Background(), newRequest("embed-b"))
	if err != ErrInsufficientMemory {
		t.Fatalf("expected ErrInsufficientMemory, got %v", err)
	}
}

func TestSubmitReturnsCircuitOpenWhenBreakerTripped(t *testing.T) {
	release := make(chan struct{})
	close(release)
	reg := freshRegistry(t, "embed-c", release)
	gov := governor.New(1000)
	breakers := newBreakerRegistry()
	b := breakers.Get("embed-c")
	b.RecordFailure()
	b.RecordFailure()

	p := New(reg, gov, breakers, Config{MaxWorkersPerModel: 4, QueueDepthPerWorker: 8})
	err := p.Submit(context.Background(), newRequest("embed-c"))
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestSubmitNeverExceedsMaxWorkersPerModel(t *testing.T) {
	release := make(chan struct{})
	reg := freshRegistry(t, "embed-d", release)
	gov := governor.New(10000)
	p := New(reg, gov, newBreakerRegistry(), Config{
		MaxWorkersPerModel:  2,
		QueueDepthPerWorker: 1,
		SpawnTimeout:        50 * time.Millisecond,
	})

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			results[i] = p.Submit(ctx, newRequest("embed-d"))
		}(i)
	}
	wg.Wait()
	close(release)

	if got := p.WorkerCount("embed-d"); got > 2 {
		t.Fatalf("expected at most 2 workers, got %d", got)
	}

	var queueFull int
	for _, err := range results {
		if err == ErrQueueFull {
			queueFull++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if queueFull == 0 {
		t.Fatal("expected at least one request to be denied with ErrQueueFull once capacity was exhausted")
	}
}

func TestShutdownRejectsFurtherSubmits(t *testing.T) {
	release := make(chan struct{})
	close(release)
	reg := freshRegistry(t, "embed-e", release)
	gov := governor.New(1000)
	p := New(reg, gov, newBreakerRegistry(), Config{MaxWorkersPerModel: 2, QueueDepthPerWorker: 4})

	if err := p.Submit(context.Background(), newRequest("embed-e")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Shutdown()

	if err := p.Submit(context.Background(), newRequest("embed-e")); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown after Shutdown, got %v", err)
	}
}

func TestWorkersSnapshotAndEvictWorker(t *testing.T) {
	release := make(chan struct{})
	close(release)
	reg := freshRegistry(t, "embed-f", release)
	gov := governor.New(1000)
	p := New(reg, gov, newBreakerRegistry(), Config{MaxWorkersPerModel: 2, QueueDepthPerWorker: 4})

	if err := p.Submit(context.Background(), newRequest("embed-f")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := p.WorkersSnapshot("embed-f")
	if len(snap) != 1 {
		t.Fatalf("expected 1 worker in snapshot, got %d", len(snap))
	}
	before := gov.AllocatedMB()
	if err := p.EvictWorker("embed-f", snap[0].ID); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if got := p.WorkerCount("embed-f"); got != 0 {
		t.Fatalf("expected 0 workers after eviction, got %d", got)
	}
	if gov.AllocatedMB() >= before {
		t.Fatalf("expected memory released on eviction: before=%d after=%d", before, gov.AllocatedMB())
	}
}
