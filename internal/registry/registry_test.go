package registry

import (
	"testing"

	"github.com/oriys/novainfer/internal/domain"
)

func fakeLoader(dev domain.Device) (domain.Model, error) { return nil, nil }

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]uint32, error) { return nil, nil }
func (fakeTokenizer) DecodeStep(state domain.DecodeState, token uint32) (string, domain.DecodeState, error) {
	return "", state, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	err := r.Register(domain.ModelDescriptor{
		ID:                "bert-minilm-l6-v2",
		Capability:        domain.TextEmbedding,
		EstimatedMemoryMB: 100,
		Loader:            fakeLoader,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	d, ok := r.Get("bert-minilm-l6-v2")
	if !ok {
		t.Fatal("expected model to be found")
	}
	if d.EstimatedMemoryMB != 100 {
		t.Fatalf("expected 100mb, got %d", d.EstimatedMemoryMB)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing model to be absent")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	cases := []domain.ModelDescriptor{
		{Capability: domain.TextEmbedding, EstimatedMemoryMB: 1, Loader: fakeLoader},
		{ID: "x", EstimatedMemoryMB: 1, Loader: fakeLoader},
		{ID: "x", Capability: domain.Vision, Loader: fakeLoader},
		{ID: "x", Capability: domain.Vision, EstimatedMemoryMB: 1},
	}
	for i, d := range cases {
		if err := r.Register(d); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestFreezeRejectsFurtherRegistration(t *testing.T) {
	r := New()
	if err := r.Register(domain.ModelDescriptor{
		ID: "a", Capability: domain.TextEmbedding, EstimatedMemoryMB: 10, Loader: fakeLoader,
	}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	r.Freeze()
	err := r.Register(domain.ModelDescriptor{
		ID: "b", Capability: domain.TextEmbedding, EstimatedMemoryMB: 10, Loader: fakeLoader,
	})
	if err == nil {
		t.Fatal("expected registration after freeze to fail")
	}

	if _, ok := r.Get("a"); !ok {
		t.Fatal("Get should still work after freezing")
	}
}

func TestByCapability(t *testing.T) {
	r := New()
	must := func(d domain.ModelDescriptor) {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	must(domain.ModelDescriptor{ID: "e1", Capability: domain.TextEmbedding, EstimatedMemoryMB: 10, Loader: fakeLoader})
	must(domain.ModelDescriptor{ID: "e2", Capability: domain.TextEmbedding, EstimatedMemoryMB: 10, Loader: fakeLoader})
	must(domain.ModelDescriptor{ID: "g1", Capability: domain.TextToText, EstimatedMemoryMB: 10, Loader: fakeLoader, Tokenizer: fakeTokenizer{}})

	if n := len(r.ByCapability(domain.TextEmbedding)); n != 2 {
		t.Fatalf("expected 2 embedding models, got %d", n)
	}
	if n := len(r.ByCapability(domain.TextToText)); n != 1 {
		t.Fatalf("expected 1 text-to-text model, got %d", n)
	}
	if n := len(r.ByCapability(domain.TextToImage)); n != 0 {
		t.Fatalf("expected 0 text-to-image models, got %d", n)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 total models, got %d", r.Len())
	}
}
