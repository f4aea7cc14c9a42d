package kernel

import (
	"math"
	"testing"
)

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(0, 0.9); err != ErrInvalidTopK {
		t.Fatalf("expected ErrInvalidTopK, got %v", err)
	}
	if err := ValidateConfig(40, 0); err != ErrInvalidTopP {
		t.Fatalf("expected ErrInvalidTopP for 0, got %v", err)
	}
	if err := ValidateConfig(40, 1.5); err != ErrInvalidTopP {
		t.Fatalf("expected ErrInvalidTopP for 1.5, got %v", err)
	}
	if err := ValidateConfig(40, 1.0); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestTemperatureScaleZeroIsNoOp(t *testing.T) {
	logits := []float32{1, 2, 3}
	TemperatureScale(logits, 0)
	if logits[0] != 1 || logits[1] != 2 || logits[2] != 3 {
		t.Fatalf("expected no-op at T=0, got %v", logits)
	}
}

func TestTemperatureScaleDivides(t *testing.T) {
	logits := []float32{2, 4, 8}
	TemperatureScale(logits, 2)
	want := []float32{1, 2, 4}
	for i := range want {
		if logits[i] != want[i] {
			t.Fatalf("index %d: expected %v, got %v", i, want[i], logits[i])
		}
	}
}

func TestTemperatureScaleRewritesNonFinite(t *testing.T) {
	logits := []float32{float32(math.Inf(1)), float32(math.NaN()), 4}
	TemperatureScale(logits, 0.0000001)
	if logits[0] != 0 {
		t.Fatalf("expected Inf rewritten to 0, got %v", logits[0])
	}
	if logits[1] != 0 {
		t.Fatalf("expected NaN rewritten to 0, got %v", logits[1])
	}
}

func TestTemperatureScaleWidePathRemainderSafety(t *testing.T) {
	n := 11 // not a multiple of 8, exercises the scalar remainder tail
	logits := make([]float32, n)
	for i := range logits {
		logits[i] = float32(math.Inf(1))
	}
	temperatureScaleWide(logits, 3)
	for i, v := range logits {
		if v != 0 {
			t.Fatalf("index %d: expected non-finite rewritten to 0 in remainder tail, got %v", i, v)
		}
	}
}

func TestRepetitionPenalty(t *testing.T) {
	logits := []float32{10, -10, 5}
	RepetitionPenalty(logits, []uint32{0, 1}, 2)
	if logits[0] != 5 {
		t.Fatalf("expected positive logit halved, got %v", logits[0])
	}
	if logits[1] != -20 {
		t.Fatalf("expected non-positive logit doubled, got %v", logits[1])
	}
	if logits[2] != 5 {
		t.Fatalf("expected untouched logit unchanged, got %v", logits[2])
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	logits := []float32{1, 2, 3, 4}
	Softmax(logits)
	var sum float32
	for _, p := range logits {
		sum += p
	}
	if diff := sum - 1; diff > 1e-4 || diff < -1e-4 {
		t.Fatalf("expected sum ~1, got %v", sum)
	}
}

func TestSoftmaxMonotonic(t *testing.T) {
	logits := []float32{1, 2, 3}
	Softmax(logits)
	if !(logits[0] < logits[1] && logits[1] < logits[2]) {
		t.Fatalf("expected monotonic increase, got %v", logits)
	}
}

func TestTopKKeepsExactlyK(t *testing.T) {
	probs := []float32{0.1, 0.4, 0.2, 0.25, 0.05}
	TopK(probs, 2)
	nonzero := 0
	for _, p := range probs {
		if p > 0 {
			nonzero++
		}
	}
	if nonzero != 2 {
		t.Fatalf("expected 2 survivors, got %d (%v)", nonzero, probs)
	}
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if diff := sum - 1; diff > 1e-4 || diff < -1e-4 {
		t.Fatalf("expected renormalised sum ~1, got %v", sum)
	}
}

func TestTopKNoOpWhenKCoversAll(t *testing.T) {
	probs := []float32{0.5, 0.5}
	TopK(probs, 2)
	if probs[0] != 0.5 || probs[1] != 0.5 {
		t.Fatalf("expected unchanged, got %v", probs)
	}
}

func TestTopPKeepsNucleus(t *testing.T) {
	probs := []float32{0.5, 0.3, 0.1, 0.1}
	TopP(probs, 0.8)
	if probs[0] == 0 || probs[1] == 0 {
		t.Fatalf("expected top two probabilities retained, got %v", probs)
	}
	if probs[2] != 0 || probs[3] != 0 {
		t.Fatalf("expected tail zeroed, got %v", probs)
	}
}

func TestArgmax(t *testing.T) {
	if got := Argmax([]float32{0.1, 0.9, 0.3}); got != 1 {
		t.Fatalf("expected index 1, got %d", got)
	}
}

func TestSampleDeterministicWithSeed(t *testing.T) {
	probs := []float32{0.1, 0.2, 0.3, 0.4}
	a := Sample(probs, 42)
	b := Sample(probs, 42)
	if a != b {
		t.Fatalf("expected same seed to produce same draw, got %d and %d", a, b)
	}
}

func TestSampleReturnsValidIndex(t *testing.T) {
	probs := []float32{1}
	if got := Sample(probs, 7); got != 0 {
		t.Fatalf("expected index 0 for single-element distribution, got %d", got)
	}
}
