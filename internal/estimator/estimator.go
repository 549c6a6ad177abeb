// Package estimator predicts task duration and token cost per source type.
// It prefers rolling historical averages once enough samples exist and
// falls back to a static default table.
package estimator

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/piworks/agentsched/internal/model"
)

const (
	MethodHistorical = "historical"
	MethodDefault    = "default"
	MethodFallback   = "fallback"
)

// Estimate is a cost prediction with its provenance.
type Estimate struct {
	Duration   time.Duration
	Tokens     int
	Confidence float64
	Method     string
}

// Execution is one recorded task run. Tokens is the actual usage; zero
// means unknown and is excluded from the token average.
type Execution struct {
	Duration  time.Duration
	Tokens    int
	Success   bool
	Timestamp time.Time
}

// SourceStats aggregates the rolling history for one source.
type SourceStats struct {
	ExecutionCount int
	AvgDuration    time.Duration
	AvgTokens      int
	MinDuration    time.Duration
	MaxDuration    time.Duration
	SuccessRate    float64
	LastUpdated    time.Time
}

// defaults is the static estimate table used before enough history exists.
var defaults = map[model.Source]Estimate{
	model.SourceSingleAgentRun:   {Duration: 30 * time.Second, Tokens: 4_000},
	model.SourceParallelAgentRun: {Duration: 45 * time.Second, Tokens: 8_000},
	model.SourceSingleTeamRun:    {Duration: 60 * time.Second, Tokens: 12_000},
	model.SourceParallelTeamRun:  {Duration: 90 * time.Second, Tokens: 20_000},
}

// fallback covers unrecognized sources with a conservative guess.
var fallback = Estimate{
	Duration:   60 * time.Second,
	Tokens:     10_000,
	Confidence: 0.3,
	Method:     MethodFallback,
}

// Estimator keeps per-source execution history and derives estimates from
// it. Stats are computed lazily, cached until the next RecordExecution for
// that source, and recomputation is deduplicated across goroutines.
type Estimator struct {
	minHistorical int
	maxHistory    int

	mu      sync.Mutex
	history map[model.Source][]Execution
	cache   map[model.Source]*SourceStats

	group singleflight.Group
}

func New(cfg model.EstimatorConfig) *Estimator {
	minHistorical := cfg.MinHistoricalExecutions
	if minHistorical <= 0 {
		minHistorical = 5
	}
	maxHistory := cfg.MaxHistoryPerSource
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Estimator{
		minHistorical: minHistorical,
		maxHistory:    maxHistory,
		history:       make(map[model.Source][]Execution),
		cache:         make(map[model.Source]*SourceStats),
	}
}

// Estimate predicts the cost of a task from its source. With at least
// minHistoricalExecutions samples the rolling averages are used and
// confidence grows with sample count, capped at 0.9. Otherwise the static
// default applies at confidence 0.5, and unknown sources get the
// conservative fallback.
func (e *Estimator) Estimate(source model.Source) Estimate {
	e.mu.Lock()
	count := len(e.history[source])
	e.mu.Unlock()

	if count >= e.minHistorical {
		stats := e.Stats(source)
		if stats != nil && stats.ExecutionCount >= e.minHistorical {
			confidence := 0.5 + float64(stats.ExecutionCount)/float64(e.maxHistory)*0.4
			if confidence > 0.9 {
				confidence = 0.9
			}
			tokens := stats.AvgTokens
			if tokens == 0 {
				// Duration-only history; keep the static token figure.
				if def, ok := defaults[source]; ok {
					tokens = def.Tokens
				} else {
					tokens = fallback.Tokens
				}
			}
			return Estimate{
				Duration:   stats.AvgDuration,
				Tokens:     tokens,
				Confidence: confidence,
				Method:     MethodHistorical,
			}
		}
	}

	if def, ok := defaults[source]; ok {
		def.Confidence = 0.5
		def.Method = MethodDefault
		return def
	}
	return fallback
}

// RecordExecution appends a sample to the source's history, trims to the
// configured cap keeping the most recent, and invalidates the cached stats.
func (e *Estimator) RecordExecution(source model.Source, exec Execution) {
	if exec.Timestamp.IsZero() {
		exec.Timestamp = time.Now()
	}

	e.mu.Lock()
	h := append(e.history[source], exec)
	if len(h) > e.maxHistory {
		h = h[len(h)-e.maxHistory:]
	}
	e.history[source] = h
	delete(e.cache, source)
	e.mu.Unlock()

	e.group.Forget(string(source))
}

// Stats returns the aggregated statistics for a source, or nil when no
// history exists. Concurrent callers for the same source share one
// computation.
func (e *Estimator) Stats(source model.Source) *SourceStats {
	e.mu.Lock()
	if cached, ok := e.cache[source]; ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	v, _, _ := e.group.Do(string(source), func() (any, error) {
		return e.computeStats(source), nil
	})
	stats, _ := v.(*SourceStats)
	return stats
}

func (e *Estimator) computeStats(source model.Source) *SourceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.history[source]
	if len(h) == 0 {
		return nil
	}

	stats := &SourceStats{
		ExecutionCount: len(h),
		MinDuration:    h[0].Duration,
	}
	var totalDur time.Duration
	var totalTokens, tokenSamples, successes int
	for _, exec := range h {
		totalDur += exec.Duration
		if exec.Tokens > 0 {
			totalTokens += exec.Tokens
			tokenSamples++
		}
		if exec.Success {
			successes++
		}
		if exec.Duration < stats.MinDuration {
			stats.MinDuration = exec.Duration
		}
		if exec.Duration > stats.MaxDuration {
			stats.MaxDuration = exec.Duration
		}
		if exec.Timestamp.After(stats.LastUpdated) {
			stats.LastUpdated = exec.Timestamp
		}
	}
	stats.AvgDuration = totalDur / time.Duration(len(h))
	if tokenSamples > 0 {
		stats.AvgTokens = totalTokens / tokenSamples
	}
	stats.SuccessRate = float64(successes) / float64(len(h))

	e.cache[source] = stats
	return stats
}
