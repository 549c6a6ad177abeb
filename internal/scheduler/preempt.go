package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/piworks/agentsched/internal/checkpoint"
	"github.com/piworks/agentsched/internal/events"
	"github.com/piworks/agentsched/internal/model"
)

// PreemptionMatrix lists, per incoming priority, the running priorities it
// may evict. Equal priorities never preempt each other.
var PreemptionMatrix = map[model.Priority][]model.Priority{
	model.PriorityCritical: {
		model.PriorityHigh,
		model.PriorityNormal,
		model.PriorityLow,
		model.PriorityBackground,
	},
	model.PriorityHigh: {
		model.PriorityNormal,
		model.PriorityLow,
		model.PriorityBackground,
	},
	model.PriorityNormal:     {},
	model.PriorityLow:        {},
	model.PriorityBackground: {},
}

// PreemptionController decides whether an arriving high-priority task may
// evict running lower-priority work, and drives the checkpoint-then-evict
// sequence. Eviction is all-or-nothing: if the checkpoint save fails, the
// victim keeps its slot.
type PreemptionController struct {
	enabled     bool
	checkpoints *checkpoint.Manager
	logger      zerolog.Logger
}

func NewPreemptionController(enabled bool, checkpoints *checkpoint.Manager, logger zerolog.Logger) *PreemptionController {
	return &PreemptionController{
		enabled:     enabled,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Enabled reports whether preemption is globally enabled.
func (p *PreemptionController) Enabled() bool {
	return p.enabled
}

// ShouldPreempt reports whether a task at the incoming priority may evict a
// task running at the given priority. Always false when preemption is
// globally disabled or the priorities are equal.
func (p *PreemptionController) ShouldPreempt(running, incoming model.Priority) bool {
	if !p.enabled || running == incoming {
		return false
	}
	for _, pr := range PreemptionMatrix[incoming] {
		if pr == running {
			return true
		}
	}
	return false
}

// SelectVictim picks the single execution to evict among the candidates:
// the preemptible one with the lowest priority, ties broken by earliest
// start time, then task id, so the choice is deterministic. Returns nil
// when nothing is preemptible.
func (p *PreemptionController) SelectVictim(candidates []*execution, incoming model.Priority) *execution {
	var victim *execution
	for _, cand := range candidates {
		if cand.preempted || !p.ShouldPreempt(cand.priority, incoming) {
			continue
		}
		if victim == nil {
			victim = cand
			continue
		}
		switch {
		case cand.priority < victim.priority:
			victim = cand
		case cand.priority == victim.priority && cand.startedAt.Before(victim.startedAt):
			victim = cand
		case cand.priority == victim.priority && cand.startedAt.Equal(victim.startedAt) && cand.task.ID < victim.task.ID:
			victim = cand
		}
	}
	return victim
}

// AttemptPreemption checkpoints the victim's state. Returns true only when
// the checkpoint was written; on any failure the caller must leave the
// victim running.
func (p *PreemptionController) AttemptPreemption(incoming model.Task, victim *execution) bool {
	if p.checkpoints == nil {
		p.logger.Warn().
			Str("victim_id", victim.task.ID).
			Msg("preemption_skipped_no_checkpoint_manager")
		return false
	}

	var state any
	var progress float64
	if victim.task.Snapshot != nil {
		state, progress = victim.task.Snapshot()
	}

	cp := model.Checkpoint{
		TaskID:   victim.task.ID,
		Source:   victim.task.Source,
		Provider: victim.task.Provider,
		Model:    victim.task.Model,
		Priority: victim.priority,
		State:    state,
		Progress: progress,
		Metadata: map[string]string{
			"reason": fmt.Sprintf("preempted by %s task %s", incoming.Priority, incoming.ID),
		},
	}

	if _, err := p.checkpoints.Save(cp); err != nil {
		p.logger.Warn().Err(err).
			Str("victim_id", victim.task.ID).
			Str("incoming_id", incoming.ID).
			Msg("preemption_checkpoint_failed")
		return false
	}
	return true
}

// reserveVictimLocked picks at most one running task to evict for the
// incoming one and reserves it, so the checkpoint write can happen outside
// the scheduler lock. A reserved victim keeps its slot until
// completePreemption commits the eviction or rolls the reservation back.
// When the per-key budget is the binding constraint, only same-key victims
// are considered, since evicting elsewhere cannot free the needed slot.
// Callers hold s.mu.
func (s *Scheduler) reserveVictimLocked(incoming model.Priority, key string) *execution {
	if !s.preempt.Enabled() {
		return nil
	}

	keyBound := s.activePerKey[key] >= s.maxPerKey

	candidates := make([]*execution, 0, len(s.active))
	for _, exec := range s.active {
		if keyBound && exec.key != key {
			continue
		}
		candidates = append(candidates, exec)
	}

	victim := s.preempt.SelectVictim(candidates, incoming)
	if victim == nil {
		return nil
	}
	victim.preempted = true
	return victim
}

// completePreemption checkpoints the reserved victim and, on success,
// reclaims its scheduler-side slot; the victim's body keeps running until
// it observes its own context. Eviction stays all-or-nothing: a failed
// save rolls the reservation back and the victim keeps its slot. Runs
// outside the scheduler lock and reports whether a slot was freed.
func (s *Scheduler) completePreemption(incoming model.Task, victim *execution) bool {
	if !s.preempt.AttemptPreemption(incoming, victim) {
		s.mu.Lock()
		victim.preempted = false
		s.mu.Unlock()
		return false
	}

	evicted := false
	s.mu.Lock()
	if cur, ok := s.active[victim.task.ID]; ok && cur == victim {
		delete(s.active, victim.task.ID)
		s.activePerKey[victim.key]--
		s.totalActive--
		evicted = true
		s.wakeLocked()
	}
	s.mu.Unlock()
	if !evicted {
		// The victim finished while its checkpoint was being written; the
		// slot is already free.
		return false
	}

	s.logger.Info().
		Str("victim_id", victim.task.ID).
		Str("victim_priority", victim.priority.String()).
		Str("incoming_id", incoming.ID).
		Str("incoming_priority", incoming.Priority.String()).
		Msg("task_preempted")

	if s.collector != nil {
		s.collector.RecordPreemption(victim.task.ID, incoming.ID, victim.task.Provider, victim.task.Model, victim.priority)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventTaskPreempted,
			TaskID:   victim.task.ID,
			Provider: victim.task.Provider,
			Model:    victim.task.Model,
			Priority: victim.priority,
			Data:     map[string]any{"preempted_by": incoming.ID},
		})
	}
	return true
}
