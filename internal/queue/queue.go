// Package queue implements the weighted-fair-queuing priority queue that
// orders pending tasks for one provider:model key. Entries carry virtual
// start/finish times derived from priority weights; starvation is detected
// via skip counts and wait times and mitigated by one-level priority
// promotion.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/piworks/agentsched/internal/model"
)

// defaultServiceTimeMs is assumed when a task arrives without a duration
// estimate.
const defaultServiceTimeMs = 1000

// skipGapThreshold is the skip-count difference beyond which the
// more-skipped entry wins the comparator regardless of arrival order.
const skipGapThreshold = 3

// Clock is the virtual clock shared by all queues of one scheduler. It only
// moves forward.
type Clock struct {
	mu  sync.Mutex
	now float64
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceTo moves the clock to t if t is later than the current reading.
func (c *Clock) AdvanceTo(t float64) {
	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
}

// Entry wraps a task while it waits in a queue. Promotion replaces the
// entry value rather than mutating priority in place, so a snapshot handed
// out by Entries never changes under the caller.
type Entry struct {
	Task     model.Task
	Priority model.Priority

	EnqueuedAt        time.Time
	SkipCount         int
	VirtualStart      float64
	VirtualFinish     float64
	EstimatedDuration time.Duration
	EstimatedTokens   int
}

func (e Entry) hasDeadline() bool {
	return !e.Task.Deadline.IsZero()
}

// Queue is the pending-task container for a single concurrency key. All
// methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	clock   *Clock
	virtual float64
	entries []*Entry
}

func New(clock *Clock) *Queue {
	if clock == nil {
		clock = NewClock()
	}
	return &Queue{clock: clock}
}

// Enqueue inserts a task. The entry's virtual start time is the later of
// the queue's own virtual time and the shared clock; its finish time adds
// the weighted service time.
func (q *Queue) Enqueue(task model.Task) *Entry {
	serviceMs := float64(task.Estimate.Duration.Milliseconds())
	if serviceMs <= 0 {
		serviceMs = defaultServiceTimeMs
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	start := q.virtual
	if global := q.clock.Now(); global > start {
		start = global
	}

	e := &Entry{
		Task:              task,
		Priority:          task.Priority,
		EnqueuedAt:        time.Now(),
		VirtualStart:      start,
		VirtualFinish:     start + serviceMs/task.Priority.Weight(),
		EstimatedDuration: task.Estimate.Duration,
		EstimatedTokens:   task.Estimate.Tokens,
	}
	q.entries = append(q.entries, e)
	q.sortLocked()
	return e
}

// Dequeue removes and returns the top-ranked entry, advances the virtual
// clocks to its finish time, and counts a skip against every entry left
// behind. Returns nil on an empty queue.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	top := q.entries[0]
	q.entries = q.entries[1:]

	if top.VirtualFinish > q.virtual {
		q.virtual = top.VirtualFinish
	}
	q.clock.AdvanceTo(top.VirtualFinish)

	for _, e := range q.entries {
		e.SkipCount++
	}
	q.sortLocked()
	return top
}

// Take removes a specific task with the same side effects as Dequeue:
// virtual clocks advance to the taken entry's finish time and every entry
// left behind counts a skip. Hybrid scoring uses this, since its pick may
// differ from the comparator's. Returns nil when the task is not queued.
func (q *Queue) Take(taskID string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.entries {
		if e.Task.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	taken := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)

	if taken.VirtualFinish > q.virtual {
		q.virtual = taken.VirtualFinish
	}
	q.clock.AdvanceTo(taken.VirtualFinish)

	for _, e := range q.entries {
		e.SkipCount++
	}
	q.sortLocked()
	return taken
}

// Peek returns the top-ranked entry without removing it, or nil.
func (q *Queue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// Remove deletes the entry for the given task id, if queued.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.Task.ID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// BumpSkip counts a skip against a specific entry. The scheduler calls this
// when the front entry is denied admission by the concurrency budget.
func (q *Queue) BumpSkip(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Task.ID == taskID {
			e.SkipCount++
			break
		}
	}
	q.sortLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queued entries in rank order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// PromoteStarving raises the priority of entries that have been skipped
// more than maxSkips times or have waited longer than waitThreshold. Each
// promotion is exactly one level, never past critical, and resets the skip
// count. Returns the number of entries promoted.
func (q *Queue) PromoteStarving(maxSkips int, waitThreshold time.Duration) int {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	for i, e := range q.entries {
		if e.Priority >= model.PriorityCritical {
			continue
		}
		starving := e.SkipCount > maxSkips || now.Sub(e.EnqueuedAt) > waitThreshold
		if !starving {
			continue
		}
		next := *e
		next.Priority = e.Priority.Promote()
		next.SkipCount = 0
		q.entries[i] = &next
		promoted++
	}
	if promoted > 0 {
		q.sortLocked()
	}
	return promoted
}

// Stats summarizes the queue for observability.
type Stats struct {
	Total       int
	PerPriority map[model.Priority]int
	AvgWait     time.Duration
	MaxWait     time.Duration
	Starving    int
}

func (q *Queue) Stats(starvationThreshold time.Duration) Stats {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:       len(q.entries),
		PerPriority: make(map[model.Priority]int),
	}
	var totalWait time.Duration
	for _, e := range q.entries {
		s.PerPriority[e.Priority]++
		wait := now.Sub(e.EnqueuedAt)
		totalWait += wait
		if wait > s.MaxWait {
			s.MaxWait = wait
		}
		if wait > starvationThreshold {
			s.Starving++
		}
	}
	if len(q.entries) > 0 {
		s.AvgWait = totalWait / time.Duration(len(q.entries))
	}
	return s
}

// sortLocked orders entries by comparator rank. Callers hold q.mu.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		return rankBefore(q.entries[i], q.entries[j])
	})
}

// rankBefore reports whether a dispatches before b:
// priority desc, starvation override on a skip gap > 3, earlier deadline
// (entries with a deadline beat those without), FIFO by enqueue time,
// shorter estimated duration, id order as final tiebreak.
func rankBefore(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	if gap := a.SkipCount - b.SkipCount; gap > skipGapThreshold {
		return true
	} else if gap < -skipGapThreshold {
		return false
	}

	if a.hasDeadline() != b.hasDeadline() {
		return a.hasDeadline()
	}
	if a.hasDeadline() && !a.Task.Deadline.Equal(b.Task.Deadline) {
		return a.Task.Deadline.Before(b.Task.Deadline)
	}

	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}

	da, db := a.EstimatedDuration, b.EstimatedDuration
	if da != db {
		return da < db
	}

	return a.Task.ID < b.Task.ID
}
