package model

type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Estimator  EstimatorConfig  `yaml:"estimator"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SchedulerConfig struct {
	MaxConcurrentPerModel  int  `yaml:"max_concurrent_per_model"`
	MaxTotalConcurrent     int  `yaml:"max_total_concurrent"`
	PollIntervalMs         int  `yaml:"poll_interval_ms"`
	PreemptionEnabled      bool `yaml:"preemption_enabled"`
	StarvationThresholdSec int  `yaml:"starvation_threshold_sec"`
	MaxSkipsBeforePromote  int  `yaml:"max_skips_before_promote"`

	Hybrid HybridConfig `yaml:"hybrid"`

	// RateLimits maps a provider name to its maximum dispatches per second.
	// A denied dispatch is recorded as a rate_limit_hit and retried on the
	// next tick.
	RateLimits map[string]float64 `yaml:"rate_limits,omitempty"`
}

// HybridConfig tunes the hybrid priority/SJF/fair-queue dispatch score. When
// disabled, the queue's plain comparator decides dispatch order.
type HybridConfig struct {
	Enabled              bool    `yaml:"enabled"`
	PriorityWeight       float64 `yaml:"priority_weight"`
	SJFWeight            float64 `yaml:"sjf_weight"`
	FairQueueWeight      float64 `yaml:"fair_queue_weight"`
	MaxDurationNormMs    int64   `yaml:"max_duration_norm_ms"`
	WaitBonusAfterSec    int     `yaml:"wait_bonus_after_sec"`
	PenaltyPerSkip       float64 `yaml:"penalty_per_skip"`
	MaxStarvationPenalty float64 `yaml:"max_starvation_penalty"`
}

type CheckpointConfig struct {
	Dir                string `yaml:"dir"`
	DefaultTTLMs       int64  `yaml:"default_ttl_ms"`
	MaxCheckpoints     int    `yaml:"max_checkpoints"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`

	// WatchDir keeps the in-memory task-id index fresh when other processes
	// write checkpoint files into the same directory.
	WatchDir bool `yaml:"watch_dir"`
}

type MetricsConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Dir                   string `yaml:"dir"`
	WindowSize            int    `yaml:"window_size"`
	CollectionIntervalSec int    `yaml:"collection_interval_sec"`
	MaxFileSizeBytes      int64  `yaml:"max_file_size_bytes"`
	RetentionFiles        int    `yaml:"retention_files"`
}

type EstimatorConfig struct {
	MinHistoricalExecutions int `yaml:"min_historical_executions"`
	MaxHistoryPerSource     int `yaml:"max_history_per_source"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// HybridDebug logs every hybrid score computation. Very noisy.
	HybridDebug bool `yaml:"hybrid_debug"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentPerModel:  3,
			MaxTotalConcurrent:     10,
			PollIntervalMs:         100,
			PreemptionEnabled:      true,
			StarvationThresholdSec: 60,
			MaxSkipsBeforePromote:  10,
			Hybrid: HybridConfig{
				Enabled:              false,
				PriorityWeight:       0.5,
				SJFWeight:            0.3,
				FairQueueWeight:      0.2,
				MaxDurationNormMs:    120_000,
				WaitBonusAfterSec:    30,
				PenaltyPerSkip:       0.02,
				MaxStarvationPenalty: 0.3,
			},
		},
		Checkpoint: CheckpointConfig{
			Dir:                ".pi/checkpoints",
			DefaultTTLMs:       24 * 60 * 60 * 1000,
			MaxCheckpoints:     100,
			CleanupIntervalSec: 3600,
		},
		Metrics: MetricsConfig{
			Enabled:               true,
			Dir:                   ".pi/metrics",
			WindowSize:            1000,
			CollectionIntervalSec: 60,
			MaxFileSizeBytes:      10 * 1024 * 1024,
			RetentionFiles:        7,
		},
		Estimator: EstimatorConfig{
			MinHistoricalExecutions: 5,
			MaxHistoryPerSource:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
