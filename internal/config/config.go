// Package config loads novainfer's process-level configuration (§6):
// memory governance, pool admission/spawn policy, the maintenance
// sweep, and observability settings. Grounded on the teacher's
// internal/config — the per-subsystem config struct style, a
// DefaultConfig constructor, LoadFromFile, and LoadFromEnv overrides —
// generalized from the teacher's JSON+FaaS-backend config (Firecracker/
// Docker/Postgres/Auth/RateLimit, all out of scope here) to YAML, per
// Design Notes §9's close reading of the original's config file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a time.Duration that decodes from YAML as a plain integer
// number of seconds rather than time.Duration's default raw-nanoseconds
// encoding — every "_sec"-suffixed config key in a file is meant to be
// read as seconds, and without this the yaml.v3 default int64 decode
// would treat e.g. "maintenance_interval_sec: 1" as 1 nanosecond.
type Seconds time.Duration

// Duration returns the equivalent time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalYAML decodes a scalar integer node as a count of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: decode seconds: %w", err)
	}
	*s = Seconds(n) * Seconds(time.Second)
	return nil
}

// GovernorConfig holds memory governance settings (§4.5).
type GovernorConfig struct {
	MemoryLimitPercent float64 `yaml:"memory_limit_percent"` // fraction of system RAM, 0-1
	MemoryLimitMB      int64   `yaml:"memory_limit_mb"`      // explicit override; 0 defers to MemoryLimitPercent
	SafetyMarginMB     int64   `yaml:"safety_margin_mb"`
}

// PoolConfig holds capability pool admission and spawn policy settings (§4.4).
type PoolConfig struct {
	MaxWorkersPerModel  int     `yaml:"max_workers_per_model"`
	QueueDepthPerWorker int     `yaml:"queue_depth_per_worker"`
	SpawnTimeout        Seconds `yaml:"spawn_timeout_sec"`
	RequeueOnCrash      bool    `yaml:"requeue_on_crash"`
}

// MaintenanceConfig holds the periodic sweep's timing settings (§4.6).
type MaintenanceConfig struct {
	IntervalSec     Seconds `yaml:"maintenance_interval_sec"`
	IdleEvictionSec Seconds `yaml:"idle_eviction_sec"`
}

// BreakerConfig holds the per-model circuit breaker's settings (§7).
type BreakerConfig struct {
	ErrorPct       float64 `yaml:"error_pct"`
	WindowDuration Seconds `yaml:"window_sec"`
	OpenDuration   Seconds `yaml:"open_duration_sec"`
	HalfOpenProbes int     `yaml:"half_open_probes"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"`
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DaemonConfig holds process-wide daemon settings.
type DaemonConfig struct {
	StatsAddr string `yaml:"stats_addr"` // HTTP addr serving /metrics and /stats; empty disables
}

// ObservabilityConfig groups the ambient observability settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ModelSpec describes one entry of the static model catalog the CLI
// registers at boot. The loader itself is always an external
// collaborator (spec.md §1 Non-goals exclude model file download and
// tokenizer loading from the core); cmd/novainfer wires each entry to a
// stub loader for demonstration purposes only.
type ModelSpec struct {
	ID                string `yaml:"id"`
	Capability        string `yaml:"capability"`
	EstimatedMemoryMB int    `yaml:"estimated_memory_mb"`
}

// Config is the central configuration struct embedding every subsystem's settings.
type Config struct {
	Governor      GovernorConfig      `yaml:"governor"`
	Pool          PoolConfig          `yaml:"pool"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Observability ObservabilityConfig `yaml:"observability"`
	Models        []ModelSpec         `yaml:"models"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring
// spec.md §6's documented default maintenance_interval_sec of 60.
func DefaultConfig() *Config {
	return &Config{
		Governor: GovernorConfig{
			MemoryLimitPercent: 0.75,
			SafetyMarginMB:     512,
		},
		Pool: PoolConfig{
			MaxWorkersPerModel:  4,
			QueueDepthPerWorker: 32,
			SpawnTimeout:        Seconds(30 * time.Second),
			RequeueOnCrash:      false,
		},
		Maintenance: MaintenanceConfig{
			IntervalSec:     Seconds(60 * time.Second),
			IdleEvictionSec: Seconds(300 * time.Second),
		},
		Breaker: BreakerConfig{
			ErrorPct:       50,
			WindowDuration: Seconds(30 * time.Second),
			OpenDuration:   Seconds(10 * time.Second),
			HalfOpenProbes: 1,
		},
		Daemon: DaemonConfig{
			StatsAddr: "",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "novainfer",
				HistogramBuckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so any key the file omits keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config,
// mirroring the teacher's NOVA_* override convention.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NOVAINFER_MEMORY_LIMIT_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Governor.MemoryLimitPercent = f
		}
	}
	if v := os.Getenv("NOVAINFER_MEMORY_LIMIT_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Governor.MemoryLimitMB = n
		}
	}
	if v := os.Getenv("NOVAINFER_SAFETY_MARGIN_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Governor.SafetyMarginMB = n
		}
	}
	if v := os.Getenv("NOVAINFER_MAX_WORKERS_PER_MODEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxWorkersPerModel = n
		}
	}
	if v := os.Getenv("NOVAINFER_QUEUE_DEPTH_PER_WORKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.QueueDepthPerWorker = n
		}
	}
	if v := os.Getenv("NOVAINFER_SPAWN_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Pool.SpawnTimeout = Seconds(n) * Seconds(time.Second)
		}
	}
	if v := os.Getenv("NOVAINFER_REQUEUE_ON_CRASH"); v != "" {
		cfg.Pool.RequeueOnCrash = parseBool(v)
	}
	if v := os.Getenv("NOVAINFER_MAINTENANCE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Maintenance.IntervalSec = Seconds(n) * Seconds(time.Second)
		}
	}
	if v := os.Getenv("NOVAINFER_IDLE_EVICTION_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Maintenance.IdleEvictionSec = Seconds(n) * Seconds(time.Second)
		}
	}
	if v := os.Getenv("NOVAINFER_STATS_ADDR"); v != "" {
		cfg.Daemon.StatsAddr = v
	}
	if v := os.Getenv("NOVAINFER_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("NOVAINFER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("NOVAINFER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("NOVAINFER_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
