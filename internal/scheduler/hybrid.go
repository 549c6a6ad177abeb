package scheduler

import (
	"time"

	"github.com/piworks/agentsched/internal/model"
	"github.com/piworks/agentsched/internal/queue"
)

// hybridBest returns the entry with the highest hybrid dispatch score:
//
//	score = priorityWeight·priorityNorm + sjfWeight·sjfScore
//	      + fairQueueWeight·fairScore − starvationPenalty
//
// Ties break FIFO by enqueue time. The fair score normalizes each entry's
// virtual finish time (arrival + tokens/weight) across the queue, with a
// bonus for entries that have waited past the configured threshold.
func (s *Scheduler) hybridBest(entries []queue.Entry, now time.Time) *queue.Entry {
	if len(entries) == 0 {
		return nil
	}

	cfg := s.cfg.Hybrid
	if cfg.PriorityWeight == 0 && cfg.SJFWeight == 0 && cfg.FairQueueWeight == 0 {
		cfg.PriorityWeight, cfg.SJFWeight, cfg.FairQueueWeight = 0.5, 0.3, 0.2
	}
	maxDurNorm := float64(cfg.MaxDurationNormMs)
	if maxDurNorm <= 0 {
		maxDurNorm = 120_000
	}
	waitBonusAfter := time.Duration(cfg.WaitBonusAfterSec) * time.Second
	if waitBonusAfter <= 0 {
		waitBonusAfter = 30 * time.Second
	}
	penaltyPerSkip := cfg.PenaltyPerSkip
	if penaltyPerSkip <= 0 {
		penaltyPerSkip = 0.02
	}
	maxPenalty := cfg.MaxStarvationPenalty
	if maxPenalty <= 0 {
		maxPenalty = 0.3
	}

	// Virtual finish times for fair-queue normalization.
	vfts := make([]float64, len(entries))
	minVft, maxVft := 0.0, 0.0
	for i, e := range entries {
		vft := float64(e.EnqueuedAt.UnixMilli()) + float64(e.EstimatedTokens)/e.Priority.Weight()
		vfts[i] = vft
		if i == 0 || vft < minVft {
			minVft = vft
		}
		if i == 0 || vft > maxVft {
			maxVft = vft
		}
	}

	var best *queue.Entry
	var bestScore float64
	for i := range entries {
		e := &entries[i]

		priorityNorm := float64(e.Priority) / float64(model.PriorityCritical)

		durMs := float64(e.EstimatedDuration.Milliseconds())
		if durMs < 0 {
			durMs = 0
		} else if durMs > maxDurNorm {
			durMs = maxDurNorm
		}
		sjfScore := 1 - durMs/maxDurNorm

		fairScore := 1.0
		if maxVft > minVft {
			fairScore = 1 - (vfts[i]-minVft)/(maxVft-minVft)
		}
		if now.Sub(e.EnqueuedAt) > waitBonusAfter {
			fairScore += 0.2
		}

		penalty := float64(e.SkipCount) * penaltyPerSkip
		if penalty > maxPenalty {
			penalty = maxPenalty
		}

		score := cfg.PriorityWeight*priorityNorm +
			cfg.SJFWeight*sjfScore +
			cfg.FairQueueWeight*fairScore -
			penalty

		if s.cfg.Hybrid.Enabled && s.hybridDebug {
			s.logger.Debug().
				Str("task_id", e.Task.ID).
				Float64("score", score).
				Float64("priority_norm", priorityNorm).
				Float64("sjf", sjfScore).
				Float64("fair", fairScore).
				Float64("penalty", penalty).
				Msg("hybrid_score")
		}

		if best == nil || score > bestScore ||
			(score == bestScore && e.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = e
			bestScore = score
		}
	}
	return best
}
