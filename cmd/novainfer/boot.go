package main

import (
	"fmt"
	"time"

	"github.com/oriys/novainfer/internal/breaker"
	"github.com/oriys/novainfer/internal/capool"
	"github.com/oriys/novainfer/internal/config"
	"github.com/oriys/novainfer/internal/domain"
	"github.com/oriys/novainfer/internal/governor"
	"github.com/oriys/novainfer/internal/logging"
	"github.com/oriys/novainfer/internal/maintenance"
	"github.com/oriys/novainfer/internal/metrics"
	"github.com/oriys/novainfer/internal/registry"
)

// runtime bundles the booted core, returned to serve/warm/stats.
type runtime struct {
	cfg      *config.Config
	gov      *governor.Governor
	reg      *registry.Registry
	breakers *breaker.Registry
	pool     *capool.Pool
	sweeper  *maintenance.Sweeper
}

// boot loads config, constructs the governor/registry/pool/sweeper,
// and registers the configured model catalog. It does not start the
// maintenance sweep goroutine; callers that want it running call
// rt.sweeper.Start.
func boot() (*runtime, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	gov, err := newGovernor(cfg.Governor)
	if err != nil {
		return nil, fmt.Errorf("init governor: %w", err)
	}

	reg := registry.New()
	for _, m := range cfg.Models {
		desc, err := stubDescriptor(m)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(desc); err != nil {
			return nil, fmt.Errorf("register model %q: %w", m.ID, err)
		}
	}
	reg.Freeze()

	breakers := breaker.NewRegistry(breaker.Config{
		ErrorPct:       cfg.Breaker.ErrorPct,
		WindowDuration: cfg.Breaker.WindowDuration.Duration(),
		OpenDuration:   cfg.Breaker.OpenDuration.Duration(),
		HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
	})

	pool := capool.New(reg, gov, breakers, capool.Config{
		MaxWorkersPerModel:  cfg.Pool.MaxWorkersPerModel,
		QueueDepthPerWorker: cfg.Pool.QueueDepthPerWorker,
		SpawnTimeout:        cfg.Pool.SpawnTimeout.Duration(),
		RequeueOnCrash:      cfg.Pool.RequeueOnCrash,
	})

	sweeper := maintenance.New(pool, gov, cfg.Maintenance.IntervalSec.Duration(), cfg.Maintenance.IdleEvictionSec.Duration())

	return &runtime{cfg: cfg, gov: gov, reg: reg, breakers: breakers, pool: pool, sweeper: sweeper}, nil
}

func newGovernor(cfg config.GovernorConfig) (*governor.Governor, error) {
	if cfg.MemoryLimitMB > 0 {
		return governor.New(cfg.MemoryLimitMB), nil
	}
	return governor.NewFromSystemMemory(cfg.MemoryLimitPercent, cfg.SafetyMarginMB)
}

// stubDescriptor builds a ModelDescriptor around a stub Model and
// Tokenizer. Real model/tokenizer loading is an external collaborator
// (spec.md §1 Non-goals); this lets the CLI demonstrate admission
// control, spawn policy, and the generation pipeline end-to-end
// without depending on a concrete ML runtime.
func stubDescriptor(m config.ModelSpec) (domain.ModelDescriptor, error) {
	cap := domain.Capability(m.Capability)
	if !cap.IsValid() {
		return domain.ModelDescriptor{}, fmt.Errorf("model %q: invalid capability %q", m.ID, m.Capability)
	}
	desc := domain.ModelDescriptor{
		ID:                m.ID,
		Capability:        cap,
		EstimatedMemoryMB: m.EstimatedMemoryMB,
		Loader:            newStubLoader(m.ID),
		ContextWindow:     2048,
		VocabSize:         stubVocabSize,
		EOSTokens:         map[uint32]struct{}{0: {}},
		SamplingDefaults: domain.SamplingDefaults{
			Temperature:       0.8,
			TopK:              40,
			TopP:              0.95,
			RepetitionPenalty: 1.1,
			MaxTokens:         256,
		},
	}
	if cap == domain.TextToText {
		desc.Tokenizer = stubTokenizer{}
	}
	return desc, nil
}

// waitInterval is how long stubModel.Forward pretends to think per
// token, so `novainfer warm` produces an observable non-zero latency.
const waitInterval = 5 * time.Millisecond
