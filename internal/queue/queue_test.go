package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/piworks/agentsched/internal/model"
)

func mkTask(id string, prio model.Priority) model.Task {
	return model.Task{
		ID:       id,
		Source:   model.SourceSingleAgentRun,
		Provider: "anthropic",
		Model:    "claude-sonnet",
		Priority: prio,
	}
}

func TestRankBefore_PriorityDesc(t *testing.T) {
	now := time.Now()
	hi := &Entry{Task: mkTask("a", model.PriorityHigh), Priority: model.PriorityHigh, EnqueuedAt: now}
	lo := &Entry{Task: mkTask("b", model.PriorityLow), Priority: model.PriorityLow, EnqueuedAt: now.Add(-time.Hour)}

	if !rankBefore(hi, lo) {
		t.Error("high priority should rank before low regardless of arrival")
	}
	if rankBefore(lo, hi) {
		t.Error("low priority should not rank before high")
	}
}

func TestRankBefore_SkipGapOverridesArrival(t *testing.T) {
	now := time.Now()
	fresh := &Entry{Task: mkTask("a", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now.Add(-time.Minute)}
	skipped := &Entry{Task: mkTask("b", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now, SkipCount: 4}

	if !rankBefore(skipped, fresh) {
		t.Error("entry with skip gap > 3 should win despite later arrival")
	}

	// A gap of exactly 3 does not trigger the override; FIFO decides.
	skipped.SkipCount = 3
	if rankBefore(skipped, fresh) {
		t.Error("skip gap of exactly 3 should not override FIFO order")
	}
}

func TestRankBefore_DeadlineBeatsNoDeadline(t *testing.T) {
	now := time.Now()
	withDeadline := &Entry{Task: mkTask("a", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now}
	withDeadline.Task.Deadline = now.Add(time.Minute)
	without := &Entry{Task: mkTask("b", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now.Add(-time.Hour)}

	if !rankBefore(withDeadline, without) {
		t.Error("entry with a deadline should rank before one without")
	}

	later := &Entry{Task: mkTask("c", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now}
	later.Task.Deadline = now.Add(2 * time.Minute)
	if !rankBefore(withDeadline, later) {
		t.Error("earlier deadline should rank first")
	}
}

func TestRankBefore_FIFOThenDurationThenID(t *testing.T) {
	now := time.Now()
	early := &Entry{Task: mkTask("b", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now}
	late := &Entry{Task: mkTask("a", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now.Add(time.Millisecond)}
	if !rankBefore(early, late) {
		t.Error("earlier enqueue should rank first at equal priority")
	}

	short := &Entry{Task: mkTask("b", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now, EstimatedDuration: time.Second}
	long := &Entry{Task: mkTask("a", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now, EstimatedDuration: 2 * time.Second}
	if !rankBefore(short, long) {
		t.Error("shorter estimated duration should break an enqueue-time tie")
	}

	x := &Entry{Task: mkTask("a", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now}
	y := &Entry{Task: mkTask("b", model.PriorityNormal), Priority: model.PriorityNormal, EnqueuedAt: now}
	if !rankBefore(x, y) {
		t.Error("id order should be the final tiebreak")
	}
}

func TestQueue_DequeueOrder(t *testing.T) {
	q := New(NewClock())
	q.Enqueue(mkTask("low", model.PriorityLow))
	q.Enqueue(mkTask("critical", model.PriorityCritical))
	q.Enqueue(mkTask("normal", model.PriorityNormal))

	want := []string{"critical", "normal", "low"}
	for _, id := range want {
		e := q.Dequeue()
		if e == nil {
			t.Fatalf("unexpected empty queue, want %s", id)
		}
		if e.Task.ID != id {
			t.Errorf("dequeue order: got %s, want %s", e.Task.ID, id)
		}
	}
	if q.Dequeue() != nil {
		t.Error("empty queue should dequeue nil")
	}
}

func TestQueue_DequeueCountsSkips(t *testing.T) {
	q := New(NewClock())
	q.Enqueue(mkTask("first", model.PriorityCritical))
	for i := 0; i < 3; i++ {
		q.Enqueue(mkTask(fmt.Sprintf("left-%d", i), model.PriorityNormal))
	}

	q.Dequeue()

	for _, e := range q.Entries() {
		if e.SkipCount != 1 {
			t.Errorf("entry %s: skip count = %d, want 1", e.Task.ID, e.SkipCount)
		}
	}
}

func TestQueue_TakeRemovesSpecificEntry(t *testing.T) {
	q := New(NewClock())
	q.Enqueue(mkTask("a", model.PriorityHigh))
	q.Enqueue(mkTask("b", model.PriorityNormal))
	q.Enqueue(mkTask("c", model.PriorityNormal))

	e := q.Take("b")
	if e == nil || e.Task.ID != "b" {
		t.Fatalf("Take(b) = %+v, want entry b", e)
	}
	if q.Len() != 2 {
		t.Errorf("len after take = %d, want 2", q.Len())
	}
	for _, left := range q.Entries() {
		if left.SkipCount != 1 {
			t.Errorf("entry %s: skip count = %d, want 1", left.Task.ID, left.SkipCount)
		}
	}
	if q.Take("missing") != nil {
		t.Error("taking an unknown id should return nil")
	}
}

func TestQueue_VirtualTimeMonotonic(t *testing.T) {
	clock := NewClock()
	q := New(clock)

	task := mkTask("a", model.PriorityNormal)
	task.Estimate.Duration = 10 * time.Second
	q.Enqueue(task)
	first := q.Dequeue()

	// The next arrival must start no earlier than the finish of the
	// dequeued entry, even though the queue momentarily went empty.
	next := q.Enqueue(mkTask("b", model.PriorityNormal))
	if next.VirtualStart < first.VirtualFinish {
		t.Errorf("virtual start %f regressed below prior finish %f", next.VirtualStart, first.VirtualFinish)
	}
}

func TestQueue_WeightedFinishTimes(t *testing.T) {
	// Same service time, different priorities: the critical entry's
	// virtual finish must come sooner because its weight is larger.
	qc := New(NewClock())
	crit := mkTask("crit", model.PriorityCritical)
	crit.Estimate.Duration = 10 * time.Second
	ec := qc.Enqueue(crit)

	qb := New(NewClock())
	bg := mkTask("bg", model.PriorityBackground)
	bg.Estimate.Duration = 10 * time.Second
	eb := qb.Enqueue(bg)

	if ec.VirtualFinish >= eb.VirtualFinish {
		t.Errorf("critical finish %f should be earlier than background finish %f", ec.VirtualFinish, eb.VirtualFinish)
	}
}

func TestQueue_PromoteStarvingBySkips(t *testing.T) {
	q := New(NewClock())
	q.Enqueue(mkTask("victim", model.PriorityLow))
	for i := 0; i < 11; i++ {
		q.BumpSkip("victim")
	}

	n := q.PromoteStarving(10, time.Hour)
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	e := q.Peek()
	if e.Priority != model.PriorityNormal {
		t.Errorf("priority after promotion = %s, want normal", e.Priority)
	}
	if e.SkipCount != 0 {
		t.Errorf("skip count after promotion = %d, want 0", e.SkipCount)
	}

	// Exactly at the threshold, no promotion.
	q2 := New(NewClock())
	q2.Enqueue(mkTask("edge", model.PriorityLow))
	for i := 0; i < 10; i++ {
		q2.BumpSkip("edge")
	}
	if n := q2.PromoteStarving(10, time.Hour); n != 0 {
		t.Errorf("promotion at exactly maxSkips: promoted = %d, want 0", n)
	}
}

func TestQueue_PromoteStarvingByWait(t *testing.T) {
	q := New(NewClock())
	e := q.Enqueue(mkTask("old", model.PriorityNormal))
	e.EnqueuedAt = time.Now().Add(-2 * time.Minute)

	if n := q.PromoteStarving(10, time.Minute); n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	if got := q.Peek().Priority; got != model.PriorityHigh {
		t.Errorf("priority = %s, want high", got)
	}
}

func TestQueue_PromoteNeverPastCritical(t *testing.T) {
	q := New(NewClock())
	e := q.Enqueue(mkTask("top", model.PriorityCritical))
	e.EnqueuedAt = time.Now().Add(-time.Hour)

	if n := q.PromoteStarving(1, time.Minute); n != 0 {
		t.Errorf("critical entry promoted: n = %d, want 0", n)
	}
	if got := q.Peek().Priority; got != model.PriorityCritical {
		t.Errorf("priority = %s, want critical", got)
	}
}

func TestQueue_PromotionDoesNotMutateSnapshot(t *testing.T) {
	q := New(NewClock())
	e := q.Enqueue(mkTask("a", model.PriorityLow))
	e.EnqueuedAt = time.Now().Add(-time.Hour)

	snapshot := q.Entries()
	q.PromoteStarving(10, time.Minute)

	if snapshot[0].Priority != model.PriorityLow {
		t.Error("promotion mutated a previously taken snapshot")
	}
	if q.Peek().Priority != model.PriorityNormal {
		t.Error("queue entry not promoted")
	}
}

func TestQueue_RemoveAndPeek(t *testing.T) {
	q := New(NewClock())
	if q.Peek() != nil {
		t.Error("peek on empty queue should be nil")
	}
	q.Enqueue(mkTask("a", model.PriorityNormal))
	if !q.Remove("a") {
		t.Error("remove existing entry should return true")
	}
	if q.Remove("a") {
		t.Error("remove missing entry should return false")
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}
}

func TestQueue_Stats(t *testing.T) {
	q := New(NewClock())
	q.Enqueue(mkTask("a", model.PriorityNormal))
	q.Enqueue(mkTask("b", model.PriorityNormal))
	e := q.Enqueue(mkTask("c", model.PriorityLow))
	e.EnqueuedAt = time.Now().Add(-2 * time.Minute)

	s := q.Stats(time.Minute)
	if s.Total != 3 {
		t.Errorf("total = %d, want 3", s.Total)
	}
	if s.PerPriority[model.PriorityNormal] != 2 || s.PerPriority[model.PriorityLow] != 1 {
		t.Errorf("per-priority buckets wrong: %+v", s.PerPriority)
	}
	if s.Starving != 1 {
		t.Errorf("starving = %d, want 1", s.Starving)
	}
	if s.MaxWait < 2*time.Minute {
		t.Errorf("max wait = %s, want >= 2m", s.MaxWait)
	}
}
