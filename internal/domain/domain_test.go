package domain

import "testing"

func TestCapabilityIsValid(t *testing.T) {
	if !TextEmbedding.IsValid() {
		t.Fatal("text embedding should be valid")
	}
	if !TextToText.IsValid() {
		t.Fatal("text-to-text should be valid")
	}
	if !Vision.IsValid() {
		t.Fatal("vision should be valid")
	}
	if Capability("bogus").IsValid() {
		t.Fatal("bogus capability should not be valid")
	}
}

func TestChunkKindTerminal(t *testing.T) {
	if !ChunkDone.Terminal() {
		t.Fatal("done should be terminal")
	}
	if !ChunkErr.Terminal() {
		t.Fatal("err should be terminal")
	}
	if ChunkText.Terminal() {
		t.Fatal("text should not be terminal")
	}
	if ChunkToken.Terminal() {
		t.Fatal("token should not be terminal")
	}
}

func TestDoneAndErrConstructors(t *testing.T) {
	d := Done(Usage{PromptTokens: 3, GeneratedTokens: 5}, FinishStop)
	if d.Kind != ChunkDone {
		t.Fatalf("expected ChunkDone, got %v", d.Kind)
	}
	if d.FinishReason != FinishStop {
		t.Fatalf("expected FinishStop, got %v", d.FinishReason)
	}
	if d.Usage.GeneratedTokens != 5 {
		t.Fatalf("expected 5 generated tokens, got %d", d.Usage.GeneratedTokens)
	}

	e := Err(ErrRuntime, "model crashed")
	if e.Kind != ChunkErr {
		t.Fatalf("expected ChunkErr, got %v", e.Kind)
	}
	if e.ErrKind != ErrRuntime {
		t.Fatalf("expected ErrRuntime, got %v", e.ErrKind)
	}
	if e.ErrMessage != "model crashed" {
		t.Fatalf("expected message 'model crashed', got %q", e.ErrMessage)
	}
}

func TestReplySinkSendAfterClose(t *testing.T) {
	sink := NewReplySink(4)
	if !sink.Send(Chunk{Kind: ChunkText, Text: "hi"}) {
		t.Fatal("send before close should succeed")
	}
	sink.Close()
	if !sink.Cancelled() {
		t.Fatal("sink should report cancelled after Close")
	}
	if sink.Send(Chunk{Kind: ChunkText, Text: "late"}) {
		t.Fatal("send after close should fail")
	}
}

func TestReplySinkRecvOrder(t *testing.T) {
	sink := NewReplySink(8)
	sink.Send(Chunk{Kind: ChunkText, Text: "a"})
	sink.Send(Chunk{Kind: ChunkText, Text: "b"})
	sink.Send(Done(Usage{}, FinishStop))

	first := <-sink.Recv()
	second := <-sink.Recv()
	third := <-sink.Recv()
	if first.Text != "a" || second.Text != "b" {
		t.Fatalf("unexpected order: %q, %q", first.Text, second.Text)
	}
	if !third.Kind.Terminal() {
		t.Fatal("third chunk should be terminal")
	}
}
