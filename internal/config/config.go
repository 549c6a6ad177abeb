// Package config loads scheduler configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by PI_SCHED_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/piworks/agentsched/internal/model"
)

// Environment variables recognized by Load. Each overrides the
// corresponding file/default value when set and parseable.
const (
	EnvCheckpointDir             = "PI_SCHED_CHECKPOINT_DIR"
	EnvCheckpointTTLMs           = "PI_SCHED_CHECKPOINT_TTL_MS"
	EnvMaxCheckpoints            = "PI_SCHED_MAX_CHECKPOINTS"
	EnvCheckpointCleanupInterval = "PI_SCHED_CHECKPOINT_CLEANUP_INTERVAL"
	EnvPreemptionEnabled         = "PI_SCHED_PREEMPTION_ENABLED"
	EnvMetricsDir                = "PI_SCHED_METRICS_DIR"
	EnvMetricsInterval           = "PI_SCHED_METRICS_INTERVAL"
	EnvMetricsMaxFileSize        = "PI_SCHED_METRICS_MAX_FILE_SIZE"
	EnvMetricsEnabled            = "PI_SCHED_METRICS_ENABLED"
	EnvHybridDebug               = "PI_SCHED_HYBRID_DEBUG"
)

// Load builds the effective configuration. A missing file is not an
// error; a present but unparseable file is.
func Load(path string) (model.Config, error) {
	cfg := model.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *model.Config) {
	if v := os.Getenv(EnvCheckpointDir); v != "" {
		cfg.Checkpoint.Dir = v
	}
	if v, ok := envInt64(EnvCheckpointTTLMs); ok {
		cfg.Checkpoint.DefaultTTLMs = v
	}
	if v, ok := envInt(EnvMaxCheckpoints); ok {
		cfg.Checkpoint.MaxCheckpoints = v
	}
	if v, ok := envInt(EnvCheckpointCleanupInterval); ok {
		cfg.Checkpoint.CleanupIntervalSec = v
	}
	if v, ok := envBool(EnvPreemptionEnabled); ok {
		cfg.Scheduler.PreemptionEnabled = v
	}
	if v := os.Getenv(EnvMetricsDir); v != "" {
		cfg.Metrics.Dir = v
	}
	if v, ok := envInt(EnvMetricsInterval); ok {
		cfg.Metrics.CollectionIntervalSec = v
	}
	if v, ok := envInt64(EnvMetricsMaxFileSize); ok {
		cfg.Metrics.MaxFileSizeBytes = v
	}
	if v, ok := envBool(EnvMetricsEnabled); ok {
		cfg.Metrics.Enabled = v
	}
	if v, ok := envBool(EnvHybridDebug); ok {
		cfg.Logging.HybridDebug = v
	}
}

func validate(cfg model.Config) error {
	if cfg.Scheduler.MaxConcurrentPerModel < 0 {
		return fmt.Errorf("max_concurrent_per_model must be >= 0, got %d", cfg.Scheduler.MaxConcurrentPerModel)
	}
	if cfg.Scheduler.MaxTotalConcurrent < 0 {
		return fmt.Errorf("max_total_concurrent must be >= 0, got %d", cfg.Scheduler.MaxTotalConcurrent)
	}
	if cfg.Checkpoint.MaxCheckpoints < 0 {
		return fmt.Errorf("max_checkpoints must be >= 0, got %d", cfg.Checkpoint.MaxCheckpoints)
	}
	h := cfg.Scheduler.Hybrid
	if h.PriorityWeight < 0 || h.SJFWeight < 0 || h.FairQueueWeight < 0 {
		return fmt.Errorf("hybrid weights must be >= 0")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
