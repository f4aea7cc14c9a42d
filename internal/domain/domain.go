// Package domain holds the data types shared across the inference pool:
// model descriptors, requests, streamed output chunks and the capability
// taxonomy that routes a request to the right pool.
package domain

import "time"

// Capability identifies the family of tasks a model performs. It is a
// closed tagged union — workers dispatch on Capability once per request,
// never per token, keeping the hot path free of open polymorphism.
type Capability string

const (
	TextEmbedding  Capability = "text_embedding"
	TextToText     Capability = "text_to_text"
	ImageEmbedding Capability = "image_embedding"
	Vision         Capability = "vision"
	TextToImage    Capability = "text_to_image"
)

func (c Capability) IsValid() bool {
	switch c {
	case TextEmbedding, TextToText, ImageEmbedding, Vision, TextToImage:
		return true
	}
	return false
}

// SamplingDefaults carries the default generation parameters advertised by
// a generative model's descriptor; a Request's Params override these
// field-by-field when set.
type SamplingDefaults struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	MaxTokens         int
}

// Model is a loaded, ready-to-serve model instance produced by a Loader.
// Its shape depends on Capability: generative models expose Forward,
// embedding/vision/image models expose a single-shot Infer.
type Model interface {
	// Forward runs one decoding step for text-to-text models, returning
	// logits over the vocabulary. KV state is owned by the implementation.
	Forward(ctx Context, tokens []uint32) ([]float32, error)
	// Infer runs a single forward pass for non-generative capabilities and
	// returns the request's result Chunk (Embedding, Image, or Text for
	// Vision). When that chunk is not itself terminal, the worker follows
	// it with a Done chunk.
	Infer(ctx Context, payload []byte) (Chunk, error)
	// Close releases any resources (device memory, file handles) held by
	// the loaded model. Called exactly once, after the worker's last
	// request, before its reserved memory is released to the governor.
	Close() error
}

// Context is the minimal subset of context.Context a Model implementation
// needs; kept as an alias so this package does not import context itself
// and callers can pass a real context.Context directly.
type Context = interface {
	Done() <-chan struct{}
	Err() error
}

// Device is an opaque handle passed to a Loader, identifying which compute
// device (CPU, a specific GPU index, …) the model should be placed on. Its
// contents are defined by the loader implementation; the core never
// inspects it.
type Device struct {
	Name string
}

// Loader constructs a loaded Model from a descriptor on the given device.
// It may block — the capability pool calls it on the goroutine whose
// Submit triggered the spawn, before the worker is constructed; it does
// not run on the worker's own goroutine.
type Loader func(dev Device) (Model, error)

// Tokenizer is the external collaborator that turns text into model
// vocabulary ids and back. decode_step must handle byte-level merges
// incrementally without re-decoding the full history.
type Tokenizer interface {
	Encode(text string) ([]uint32, error)
	DecodeStep(state DecodeState, token uint32) (fragment string, next DecodeState, err error)
}

// DecodeState is opaque incremental detokenizer state; its zero value is
// the state before any token has been decoded.
type DecodeState interface{}

// ModelDescriptor is an immutable registry entry created at process init
// from a static table. It never changes after construction.
type ModelDescriptor struct {
	ID                string
	Capability        Capability
	EstimatedMemoryMB int
	Loader            Loader
	ContextWindow     int
	VocabSize         int
	EOSTokens         map[uint32]struct{}
	SamplingDefaults  SamplingDefaults
	// Tokenizer is required for TextToText models; other capabilities
	// perform a single forward pass and never consult it.
	Tokenizer Tokenizer
}

// Params carries per-request sampling and admission controls. Zero values
// defer to the descriptor's SamplingDefaults where applicable.
type Params struct {
	MaxTokens         int
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	Seed              uint64
	Deadline          time.Time
}

// Request is a task submitted to a capability pool.
type Request struct {
	RequestID   string
	ModelID     string
	Capability  Capability
	Payload     []byte
	Params      Params
	Reply       *ReplySink
	SubmittedAt time.Time
}

// FinishReason explains why a generation's terminal chunk was emitted.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishDeadline  FinishReason = "deadline"
	FinishCancelled FinishReason = "cancelled"
)

// ErrKind is the stable taxonomy of terminal error kinds (§7).
type ErrKind string

const (
	ErrUnknownModel      ErrKind = "unknown_model"
	ErrInsufficientMem   ErrKind = "insufficient_memory"
	ErrQueueFull         ErrKind = "queue_full"
	ErrLoadFailure       ErrKind = "load_failure"
	ErrRuntime           ErrKind = "runtime"
	ErrCancelled         ErrKind = "cancelled"
	ErrDeadline          ErrKind = "deadline"
	ErrShutdown          ErrKind = "shutdown"
	ErrCircuitOpen       ErrKind = "circuit_open"
)

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens    int
	GeneratedTokens int
	PromptEvalMs    int64
	EvalMs          int64
}

// ChunkKind is the tag of the Chunk closed union.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToken
	ChunkEmbedding
	ChunkImage
	ChunkDone
	ChunkErr
)

// Chunk is one unit of streamed output. Exactly one terminal chunk
// (ChunkDone or ChunkErr) ends a request's stream; it is preceded by zero
// or more non-terminal chunks, emitted in strict sequence.
type Chunk struct {
	Kind      ChunkKind
	Text      string
	Token     uint32
	Embedding []float32
	Image     []byte

	// Terminal fields, set only when Kind is ChunkDone or ChunkErr.
	Usage        Usage
	FinishReason FinishReason
	ErrKind      ErrKind
	ErrMessage   string
}

func (c ChunkKind) Terminal() bool {
	return c == ChunkDone || c == ChunkErr
}

func Done(usage Usage, reason FinishReason) Chunk {
	return Chunk{Kind: ChunkDone, Usage: usage, FinishReason: reason}
}

func Err(kind ErrKind, msg string) Chunk {
	return Chunk{Kind: ChunkErr, ErrKind: kind, ErrMessage: msg}
}
