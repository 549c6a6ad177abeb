// Package metrics records scheduler lifecycle events into a bounded rolling
// window, computes live snapshots and period summaries, and persists every
// event as JSONL with size-based rotation.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/piworks/agentsched/internal/model"
)

// Persisted record types.
const (
	TypeTaskCompletion  = "task_completion"
	TypePreemption      = "preemption"
	TypeWorkSteal       = "work_steal"
	TypeRateLimitHit    = "rate_limit_hit"
	TypeMetricsSnapshot = "metrics_snapshot"
)

// Completion describes one finished task for the collector.
type Completion struct {
	TaskID   string
	Provider string
	Model    string
	Priority model.Priority
	Source   model.Source
	Success  bool
	Aborted  bool
	Wait     time.Duration
	Exec     time.Duration
}

// event is the in-window representation shared by all record types.
type event struct {
	typ       string
	ts        time.Time
	taskID    string
	provider  string
	modelName string
	priority  model.Priority
	success   bool
	aborted   bool
	wait      time.Duration
	exec      time.Duration
}

// Snapshot is the instantaneous view of the collector.
type Snapshot struct {
	Timestamp            time.Time     `json:"timestamp"`
	QueueDepth           int           `json:"queue_depth"`
	ActiveTasks          int           `json:"active_tasks"`
	AvgWait              time.Duration `json:"-"`
	P50Wait              time.Duration `json:"-"`
	P99Wait              time.Duration `json:"-"`
	AvgWaitMs            int64         `json:"avg_wait_ms"`
	P50WaitMs            int64         `json:"p50_wait_ms"`
	P99WaitMs            int64         `json:"p99_wait_ms"`
	CompletionsPerMinute float64       `json:"completions_per_minute"`
	RateLimitHits        int           `json:"rate_limit_hits"`
	Preemptions          int           `json:"preemptions"`
	WorkSteals           int           `json:"work_steals"`
}

// GroupStats is a per-provider or per-priority breakdown bucket.
type GroupStats struct {
	Count       int
	SuccessRate float64
	AvgExec     time.Duration
}

// Summary aggregates events over a trailing period.
type Summary struct {
	Period              time.Duration
	TotalTasksCompleted int
	SuccessRate         float64
	AvgWait             time.Duration
	P50Wait             time.Duration
	P99Wait             time.Duration
	AvgExec             time.Duration
	P50Exec             time.Duration
	P99Exec             time.Duration
	ThroughputPerMinute float64
	ByProvider          map[string]GroupStats
	ByPriority          map[model.Priority]GroupStats
}

// GaugeFunc supplies current queue depth and active-task count for
// snapshots. Wired by the scheduler.
type GaugeFunc func() (queueDepth, active int)

// Collector is safe for concurrent use. The window is a bounded ring:
// once capacity is reached, the oldest samples fall off.
type Collector struct {
	capacity int
	logger   zerolog.Logger
	writer   *Writer

	mu     sync.Mutex
	waits  []time.Duration
	execs  []time.Duration
	events []event
	gauges GaugeFunc

	rateLimitHits int
	preemptions   int
	workSteals    int

	flusher *cron.Cron
}

// New creates a collector. writer may be nil when persistence is disabled.
func New(cfg model.MetricsConfig, writer *Writer, logger zerolog.Logger) *Collector {
	capacity := cfg.WindowSize
	if capacity <= 0 {
		capacity = 1000
	}
	return &Collector{
		capacity: capacity,
		logger:   logger,
		writer:   writer,
	}
}

// SetGauges wires the live queue-depth/active-count source.
func (c *Collector) SetGauges(fn GaugeFunc) {
	c.mu.Lock()
	c.gauges = fn
	c.mu.Unlock()
}

// RecordCompletion records a finished task and persists it.
func (c *Collector) RecordCompletion(comp Completion) {
	now := time.Now()
	ev := event{
		typ:       TypeTaskCompletion,
		ts:        now,
		taskID:    comp.TaskID,
		provider:  comp.Provider,
		modelName: comp.Model,
		priority:  comp.Priority,
		success:   comp.Success,
		aborted:   comp.Aborted,
		wait:      comp.Wait,
		exec:      comp.Exec,
	}

	c.mu.Lock()
	c.waits = pushBounded(c.waits, comp.Wait, c.capacity)
	c.execs = pushBounded(c.execs, comp.Exec, c.capacity)
	c.events = pushBounded(c.events, ev, c.capacity)
	c.mu.Unlock()

	c.persist(record{
		Type:      TypeTaskCompletion,
		Timestamp: now.UTC(),
		TaskID:    comp.TaskID,
		Provider:  comp.Provider,
		Model:     comp.Model,
		Priority:  comp.Priority.String(),
		Source:    string(comp.Source),
		Success:   &comp.Success,
		Aborted:   comp.Aborted,
		WaitMs:    comp.Wait.Milliseconds(),
		ExecMs:    comp.Exec.Milliseconds(),
	})
}

// RecordPreemption records a checkpoint-then-evict of victimID on behalf of
// an incoming higher-priority task.
func (c *Collector) RecordPreemption(victimID, incomingID, provider, modelName string, victimPriority model.Priority) {
	now := time.Now()
	ev := event{
		typ:       TypePreemption,
		ts:        now,
		taskID:    victimID,
		provider:  provider,
		modelName: modelName,
		priority:  victimPriority,
	}

	c.mu.Lock()
	c.preemptions++
	c.events = pushBounded(c.events, ev, c.capacity)
	c.mu.Unlock()

	c.persist(record{
		Type:      TypePreemption,
		Timestamp: now.UTC(),
		TaskID:    victimID,
		Provider:  provider,
		Model:     modelName,
		Priority:  victimPriority.String(),
		Details:   map[string]any{"preempted_by": incomingID},
	})
}

// RecordWorkSteal records a task dispatched from a queue other than its
// own key's.
func (c *Collector) RecordWorkSteal(taskID, fromKey, toKey string) {
	now := time.Now()

	c.mu.Lock()
	c.workSteals++
	c.events = pushBounded(c.events, event{typ: TypeWorkSteal, ts: now, taskID: taskID}, c.capacity)
	c.mu.Unlock()

	c.persist(record{
		Type:      TypeWorkSteal,
		Timestamp: now.UTC(),
		TaskID:    taskID,
		Details:   map[string]any{"from": fromKey, "to": toKey},
	})
}

// RecordRateLimitHit records a dispatch denied by a provider rate limiter.
func (c *Collector) RecordRateLimitHit(provider, modelName string) {
	now := time.Now()

	c.mu.Lock()
	c.rateLimitHits++
	c.events = pushBounded(c.events, event{typ: TypeRateLimitHit, ts: now, provider: provider, modelName: modelName}, c.capacity)
	c.mu.Unlock()

	c.persist(record{
		Type:      TypeRateLimitHit,
		Timestamp: now.UTC(),
		Provider:  provider,
		Model:     modelName,
	})
}

// GetMetrics computes the instantaneous snapshot from the rolling window.
func (c *Collector) GetMetrics() Snapshot {
	now := time.Now()

	// The gauges callback takes the scheduler lock; it must run before
	// c.mu is held so the two locks never nest.
	c.mu.Lock()
	gauges := c.gauges
	c.mu.Unlock()
	var queueDepth, activeTasks int
	if gauges != nil {
		queueDepth, activeTasks = gauges()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Timestamp:     now.UTC(),
		QueueDepth:    queueDepth,
		ActiveTasks:   activeTasks,
		RateLimitHits: c.rateLimitHits,
		Preemptions:   c.preemptions,
		WorkSteals:    c.workSteals,
	}

	snap.AvgWait = average(c.waits)
	snap.P50Wait = percentile(c.waits, 50)
	snap.P99Wait = percentile(c.waits, 99)
	snap.AvgWaitMs = snap.AvgWait.Milliseconds()
	snap.P50WaitMs = snap.P50Wait.Milliseconds()
	snap.P99WaitMs = snap.P99Wait.Milliseconds()

	var completions int
	var earliest time.Time
	for _, ev := range c.events {
		if ev.typ != TypeTaskCompletion {
			continue
		}
		completions++
		if earliest.IsZero() || ev.ts.Before(earliest) {
			earliest = ev.ts
		}
	}
	if completions > 0 {
		elapsed := now.Sub(earliest)
		if elapsed < time.Minute {
			elapsed = time.Minute
		}
		snap.CompletionsPerMinute = float64(completions) / elapsed.Minutes()
	}

	return snap
}

// GetSummary aggregates buffered events over the trailing period. Aborted
// tasks count toward totals but are excluded from the success-rate
// denominator.
func (c *Collector) GetSummary(period time.Duration) Summary {
	now := time.Now()
	cutoff := now.Add(-period)

	c.mu.Lock()
	defer c.mu.Unlock()

	sum := Summary{
		Period:     period,
		ByProvider: make(map[string]GroupStats),
		ByPriority: make(map[model.Priority]GroupStats),
	}

	var waits, execs []time.Duration
	var successes, counted int
	type bucket struct {
		count     int
		successes int
		counted   int
		totalExec time.Duration
	}
	providers := make(map[string]*bucket)
	priorities := make(map[model.Priority]*bucket)

	for _, ev := range c.events {
		if ev.typ != TypeTaskCompletion || ev.ts.Before(cutoff) {
			continue
		}
		sum.TotalTasksCompleted++
		waits = append(waits, ev.wait)
		execs = append(execs, ev.exec)

		if !ev.aborted {
			counted++
			if ev.success {
				successes++
			}
		}

		pb := providers[ev.provider]
		if pb == nil {
			pb = &bucket{}
			providers[ev.provider] = pb
		}
		prb := priorities[ev.priority]
		if prb == nil {
			prb = &bucket{}
			priorities[ev.priority] = prb
		}
		for _, b := range []*bucket{pb, prb} {
			b.count++
			b.totalExec += ev.exec
			if !ev.aborted {
				b.counted++
				if ev.success {
					b.successes++
				}
			}
		}
	}

	if counted > 0 {
		sum.SuccessRate = float64(successes) / float64(counted)
	}
	sum.AvgWait = average(waits)
	sum.P50Wait = percentile(waits, 50)
	sum.P99Wait = percentile(waits, 99)
	sum.AvgExec = average(execs)
	sum.P50Exec = percentile(execs, 50)
	sum.P99Exec = percentile(execs, 99)
	if period > 0 {
		sum.ThroughputPerMinute = float64(sum.TotalTasksCompleted) / period.Minutes()
	}

	for provider, b := range providers {
		sum.ByProvider[provider] = groupStats(b.count, b.successes, b.counted, b.totalExec)
	}
	for priority, b := range priorities {
		sum.ByPriority[priority] = groupStats(b.count, b.successes, b.counted, b.totalExec)
	}
	return sum
}

// PersistSnapshot writes the current snapshot as a metrics_snapshot line.
func (c *Collector) PersistSnapshot() {
	snap := c.GetMetrics()
	c.persist(record{
		Type:      TypeMetricsSnapshot,
		Timestamp: snap.Timestamp,
		Snapshot:  &snap,
	})
}

// StartFlusher persists a metrics_snapshot line on the given interval.
// Calling it again is a no-op; Close stops the flusher.
func (c *Collector) StartFlusher(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	c.mu.Lock()
	if c.flusher != nil {
		c.mu.Unlock()
		return
	}
	fl := cron.New()
	fl.Schedule(cron.Every(interval), cron.FuncJob(c.PersistSnapshot))
	fl.Start()
	c.flusher = fl
	c.mu.Unlock()
}

// Close stops the flusher and closes the underlying writer, if any.
func (c *Collector) Close() {
	c.mu.Lock()
	flusher := c.flusher
	c.flusher = nil
	c.mu.Unlock()
	if flusher != nil {
		flusher.Stop()
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("metrics_writer_close_failed")
		}
	}
}

func (c *Collector) persist(r record) {
	if c.writer == nil {
		return
	}
	if err := c.writer.Write(r); err != nil {
		c.logger.Warn().Err(err).Str("type", r.Type).Msg("metrics_persist_failed")
	}
}

func groupStats(count, successes, counted int, totalExec time.Duration) GroupStats {
	gs := GroupStats{Count: count}
	if counted > 0 {
		gs.SuccessRate = float64(successes) / float64(counted)
	}
	if count > 0 {
		gs.AvgExec = totalExec / time.Duration(count)
	}
	return gs
}

func pushBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

// percentile returns the value at index ceil(p/100*n)-1 of the sorted
// window.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
