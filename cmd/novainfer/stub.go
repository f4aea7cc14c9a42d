package main

import (
	"math/rand"
	"time"

	"github.com/oriys/novainfer/internal/domain"
)

// stubVocabSize is the vocabulary size used by stubModel's fabricated
// logits. Large enough to exercise top-k/top-p trimming, small enough
// that `warm` completes instantly.
const stubVocabSize = 256

// newStubLoader returns a domain.Loader that fabricates a stubModel
// instead of reading a real checkpoint off disk. Real model loading is
// an external collaborator (spec.md §1 Non-goals); this lets `serve`
// and `warm` exercise admission control, spawn policy, and the
// generation pipeline end-to-end against something that behaves like a
// model without being one.
func newStubLoader(modelID string) domain.Loader {
	return func(dev domain.Device) (domain.Model, error) {
		return &stubModel{modelID: modelID, rng: rand.New(rand.NewSource(int64(len(modelID) + 1)))}, nil
	}
}

// stubModel is a placeholder domain.Model: Forward returns deterministic
// pseudo-random logits after a short sleep, Infer returns a fixed-size
// embedding. Neither reflects anything learned; both exist only to give
// the worker loop and sampling pipeline real data shapes to operate on.
type stubModel struct {
	modelID string
	rng     *rand.Rand
}

func (m *stubModel) Forward(ctx domain.Context, tokens []uint32) ([]float32, error) {
	select {
	case <-time.After(waitInterval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logits := make([]float32, stubVocabSize)
	for i := range logits {
		logits[i] = m.rng.Float32()
	}
	return logits, nil
}

func (m *stubModel) Infer(ctx domain.Context, payload []byte) (domain.Chunk, error) {
	select {
	case <-time.After(waitInterval):
	case <-ctx.Done():
		return domain.Chunk{}, ctx.Err()
	}
	embedding := make([]float32, 32)
	for i := range embedding {
		embedding[i] = m.rng.Float32()
	}
	return domain.Chunk{Kind: domain.ChunkEmbedding, Embedding: embedding}, nil
}

func (m *stubModel) Close() error { return nil }

// stubTokenizer is a byte-level tokenizer: each token id is one input
// byte, and DecodeStep emits it back as a single-rune fragment. It
// exists only so text_to_text descriptors have a Tokenizer to satisfy
// registry.Register; it does not need to round-trip multi-byte runes
// correctly since no real text model sits behind it.
type stubTokenizer struct{}

func (stubTokenizer) Encode(text string) ([]uint32, error) {
	tokens := make([]uint32, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = uint32(text[i])
	}
	return tokens, nil
}

func (stubTokenizer) DecodeStep(state domain.DecodeState, token uint32) (string, domain.DecodeState, error) {
	return string([]byte{byte(token)}), state, nil
}
