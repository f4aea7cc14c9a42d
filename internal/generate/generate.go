// Package generate implements the per-request token generation loop a
// worker owns for text-to-text models: feed the prompt once, then
// repeatedly sample a token from the model's logits and stream it to
// the caller until a stop condition fires.
package generate

import (
	"time"

	"github.com/oriys/novainfer/internal/domain"
	"github.com/oriys/novainfer/internal/kernel"
)

// Stage is the state machine position of a single generation.
type Stage int

const (
	StagePrompt Stage = iota
	StageGenerating
	StageTerminating
	StageDone
)

// Config resolves a request's Params against its descriptor's
// SamplingDefaults; zero fields in Params defer to the default.
type Config struct {
	MaxTokens         int
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	Seed              uint64
	Window            int
}

// RepetitionWindow is the default size of the recent-token window used
// by the repetition penalty when Config.Window is unset.
const RepetitionWindow = 64

// ResolveConfig merges request params over descriptor defaults.
func ResolveConfig(p domain.Params, d domain.SamplingDefaults) Config {
	cfg := Config{
		MaxTokens:         d.MaxTokens,
		Temperature:       d.Temperature,
		TopK:              d.TopK,
		TopP:              d.TopP,
		RepetitionPenalty: d.RepetitionPenalty,
		Window:            RepetitionWindow,
	}
	if p.MaxTokens != 0 {
		cfg.MaxTokens = p.MaxTokens
	}
	if p.Temperature != 0 {
		cfg.Temperature = p.Temperature
	}
	if p.TopK != 0 {
		cfg.TopK = p.TopK
	}
	if p.TopP != 0 {
		cfg.TopP = p.TopP
	}
	if p.RepetitionPenalty != 0 {
		cfg.RepetitionPenalty = p.RepetitionPenalty
	}
	cfg.Seed = p.Seed
	return cfg
}

// Generator drives one request's token loop for a single worker. It
// holds no state shared with any other request; each worker owns its
// generator's buffers exclusively.
type Generator struct {
	model     domain.Model
	tokenizer domain.Tokenizer
	eos       map[uint32]struct{}
}

// New creates a Generator bound to a loaded model and tokenizer.
func New(model domain.Model, tokenizer domain.Tokenizer, eos map[uint32]struct{}) *Generator {
	return &Generator{model: model, tokenizer: tokenizer, eos: eos}
}

// Run executes the full Prompt -> Generating -> Terminating -> Done
// loop for a single request, streaming Text chunks to reply and
// finishing with exactly one terminal Done or Err chunk. Run itself
// never returns an error: all failures surface as a terminal Chunk on
// the reply sink, matching the worker's one-terminal-chunk contract.
// It also returns that same terminal chunk, so a caller that wants to
// log finish_reason/usage without re-reading the sink can use it
// directly.
func (g *Generator) Run(ctx domain.Context, reply *domain.ReplySink, prompt []uint32, cfg Config, deadline time.Time) domain.Chunk {
	stage := StagePrompt
	promptStart := time.Now()

	logits, err := g.model.Forward(ctx, prompt)
	if err != nil {
		terminal := domain.Err(domain.ErrRuntime, err.Error())
		reply.Send(terminal)
		return terminal
	}
	promptEvalMs := time.Since(promptStart).Milliseconds()

	stage = StageGenerating
	history := append([]uint32(nil), prompt...)
	var decodeState domain.DecodeState
	generated := 0
	genStart := time.Now()
	reason := domain.FinishLength

	for {
		if reply.Cancelled() {
			reason = domain.FinishCancelled
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			reason = domain.FinishDeadline
			break
		}

		var tok uint32
		if cfg.Temperature == 0 {
			tok = uint32(kernel.Argmax(logits))
		} else {
			window := recentWindow(history, cfg.Window)
			kernel.RepetitionPenalty(logits, window, orOne(cfg.RepetitionPenalty))
			kernel.TemperatureScale(logits, cfg.Temperature)
			kernel.Softmax(logits)
			if cfg.TopK > 0 {
				kernel.TopK(logits, cfg.TopK)
			}
			if cfg.TopP > 0 {
				kernel.TopP(logits, cfg.TopP)
			}
			tok = uint32(kernel.Sample(logits, cfg.Seed))
		}

		history = append(history, tok)
		generated++

		fragment, next, err := g.tokenizer.DecodeStep(decodeState, tok)
		if err != nil {
			terminal := domain.Err(domain.ErrRuntime, err.Error())
			reply.Send(terminal)
			return terminal
		}
		decodeState = next
		if fragment != "" {
			reply.Send(domain.Chunk{Kind: domain.ChunkText, Text: fragment})
		}

		if _, stop := g.eos[tok]; stop {
			reason = domain.FinishStop
			break
		}
		if cfg.MaxTokens > 0 && generated >= cfg.MaxTokens {
			reason = domain.FinishLength
			break
		}

		logits, err = g.model.Forward(ctx, []uint32{tok})
		if err != nil {
			terminal := domain.Err(domain.ErrRuntime, err.Error())
			reply.Send(terminal)
			return terminal
		}
	}

	stage = StageTerminating
	evalMs := time.Since(genStart).Milliseconds()

	stage = StageDone
	_ = stage
	terminal := domain.Done(domain.Usage{
		PromptTokens:    len(prompt),
		GeneratedTokens: generated,
		PromptEvalMs:    promptEvalMs,
		EvalMs:          evalMs,
	}, reason)
	reply.Send(terminal)
	return terminal
}

func recentWindow(history []uint32, window int) []uint32 {
	if window <= 0 || window >= len(history) {
		return history
	}
	return history[len(history)-window:]
}

func orOne(p float32) float32 {
	if p == 0 {
		return 1
	}
	return p
}
