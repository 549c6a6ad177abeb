package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/piworks/agentsched/internal/model"
)

func TestShouldPreemptMatrix(t *testing.T) {
	p := NewPreemptionController(true, nil, zerolog.Nop())

	cases := []struct {
		running  model.Priority
		incoming model.Priority
		want     bool
	}{
		{model.PriorityHigh, model.PriorityCritical, true},
		{model.PriorityNormal, model.PriorityCritical, true},
		{model.PriorityLow, model.PriorityCritical, true},
		{model.PriorityBackground, model.PriorityCritical, true},
		{model.PriorityCritical, model.PriorityCritical, false},
		{model.PriorityNormal, model.PriorityHigh, true},
		{model.PriorityLow, model.PriorityHigh, true},
		{model.PriorityBackground, model.PriorityHigh, true},
		{model.PriorityHigh, model.PriorityHigh, false},
		{model.PriorityCritical, model.PriorityHigh, false},
		{model.PriorityLow, model.PriorityNormal, false},
		{model.PriorityBackground, model.PriorityNormal, false},
		{model.PriorityBackground, model.PriorityLow, false},
		{model.PriorityLow, model.PriorityBackground, false},
	}
	for _, tc := range cases {
		if got := p.ShouldPreempt(tc.running, tc.incoming); got != tc.want {
			t.Errorf("ShouldPreempt(running=%s, incoming=%s) = %v, want %v",
				tc.running, tc.incoming, got, tc.want)
		}
	}
}

func TestShouldPreemptDisabled(t *testing.T) {
	p := NewPreemptionController(false, nil, zerolog.Nop())
	if p.ShouldPreempt(model.PriorityBackground, model.PriorityCritical) {
		t.Error("disabled controller must never preempt")
	}
}

func TestSelectVictimLowestPriorityFirst(t *testing.T) {
	p := NewPreemptionController(true, nil, zerolog.Nop())
	now := time.Now()

	execs := []*execution{
		{task: model.Task{ID: "high"}, priority: model.PriorityHigh, startedAt: now},
		{task: model.Task{ID: "bg"}, priority: model.PriorityBackground, startedAt: now},
		{task: model.Task{ID: "normal"}, priority: model.PriorityNormal, startedAt: now},
	}

	v := p.SelectVictim(execs, model.PriorityCritical)
	if v == nil || v.task.ID != "bg" {
		t.Fatalf("victim = %v, want bg", v)
	}
}

func TestSelectVictimTiebreaks(t *testing.T) {
	p := NewPreemptionController(true, nil, zerolog.Nop())
	now := time.Now()

	// Equal priority: earliest start wins.
	byStart := []*execution{
		{task: model.Task{ID: "later"}, priority: model.PriorityLow, startedAt: now},
		{task: model.Task{ID: "earlier"}, priority: model.PriorityLow, startedAt: now.Add(-time.Minute)},
	}
	if v := p.SelectVictim(byStart, model.PriorityHigh); v.task.ID != "earlier" {
		t.Errorf("start-time tiebreak picked %s, want earlier", v.task.ID)
	}

	// Equal priority and start: id order decides, deterministically.
	byID := []*execution{
		{task: model.Task{ID: "b"}, priority: model.PriorityLow, startedAt: now},
		{task: model.Task{ID: "a"}, priority: model.PriorityLow, startedAt: now},
	}
	if v := p.SelectVictim(byID, model.PriorityHigh); v.task.ID != "a" {
		t.Errorf("id tiebreak picked %s, want a", v.task.ID)
	}
}

func TestSelectVictimSkipsNonPreemptible(t *testing.T) {
	p := NewPreemptionController(true, nil, zerolog.Nop())
	now := time.Now()

	execs := []*execution{
		{task: model.Task{ID: "crit"}, priority: model.PriorityCritical, startedAt: now},
		{task: model.Task{ID: "same"}, priority: model.PriorityHigh, startedAt: now},
	}
	if v := p.SelectVictim(execs, model.PriorityHigh); v != nil {
		t.Errorf("victim = %s, want none", v.task.ID)
	}

	gone := []*execution{
		{task: model.Task{ID: "already"}, priority: model.PriorityLow, startedAt: now, preempted: true},
	}
	if v := p.SelectVictim(gone, model.PriorityCritical); v != nil {
		t.Error("already-preempted execution must not be selected again")
	}
}

func TestAttemptPreemptionWithoutManager(t *testing.T) {
	p := NewPreemptionController(true, nil, zerolog.Nop())
	victim := &execution{task: model.Task{ID: "v"}, priority: model.PriorityLow}

	if p.AttemptPreemption(model.Task{ID: "in", Priority: model.PriorityCritical}, victim) {
		t.Error("preemption without a checkpoint manager must fail closed")
	}
}
