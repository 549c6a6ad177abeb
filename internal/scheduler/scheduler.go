// Package scheduler admits agent tasks into execution under two-tier
// concurrency budgets, one queue per provider:model key. Dispatch order
// within a queue comes from the WFQ comparator or, when enabled, the
// hybrid priority/SJF/fair-queue score. Higher-priority arrivals may
// preempt running lower-priority work via checkpoint-then-evict.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/piworks/agentsched/internal/checkpoint"
	"github.com/piworks/agentsched/internal/estimator"
	"github.com/piworks/agentsched/internal/events"
	"github.com/piworks/agentsched/internal/logx"
	"github.com/piworks/agentsched/internal/metrics"
	"github.com/piworks/agentsched/internal/model"
	"github.com/piworks/agentsched/internal/queue"
)

// ErrCheckpointNotFound is returned by Resume when no checkpoint exists for
// the given id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// execution tracks one admitted task while it runs.
type execution struct {
	task      model.Task
	key       string
	priority  model.Priority
	startedAt time.Time

	// preempted marks an execution whose scheduler-side slot has been
	// reclaimed. The task body keeps running until it observes its own
	// context; completion bookkeeping must not double-free the slot.
	preempted bool
}

// Scheduler is a single-process task scheduler. One mutex serializes all
// queue and active-set mutations; task bodies run outside it on the
// submitting goroutine. Construct with New — there is no package-level
// instance.
type Scheduler struct {
	cfg    model.SchedulerConfig
	logger zerolog.Logger

	collector   *metrics.Collector
	est         *estimator.Estimator
	checkpoints *checkpoint.Manager
	bus         *events.Bus
	preempt     *PreemptionController

	poll        time.Duration
	starvation  time.Duration
	maxSkips    int
	maxPerKey   int
	maxTotal    int
	hybridDebug bool

	mu           sync.Mutex
	clock        *queue.Clock
	queues       map[string]*queue.Queue
	active       map[string]*execution
	activePerKey map[string]int
	totalActive  int
	wake         chan struct{}
	limiters     map[string]*rate.Limiter
}

// Option wires optional collaborators into a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.collector = c }
}

func WithEstimator(e *estimator.Estimator) Option {
	return func(s *Scheduler) { s.est = e }
}

func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(s *Scheduler) { s.checkpoints = m }
}

func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithHybridDebug enables per-candidate score logging when hybrid
// dispatch is active.
func WithHybridDebug(on bool) Option {
	return func(s *Scheduler) { s.hybridDebug = on }
}

// New constructs a scheduler from configuration. Zero-valued limits fall
// back to the defaults in model.DefaultConfig.
func New(cfg model.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		logger:       logx.Nop(),
		clock:        queue.NewClock(),
		queues:       make(map[string]*queue.Queue),
		active:       make(map[string]*execution),
		activePerKey: make(map[string]int),
		wake:         make(chan struct{}),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.maxPerKey = cfg.MaxConcurrentPerModel
	if s.maxPerKey <= 0 {
		s.maxPerKey = 3
	}
	s.maxTotal = cfg.MaxTotalConcurrent
	if s.maxTotal <= 0 {
		s.maxTotal = 10
	}
	s.poll = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if s.poll <= 0 {
		s.poll = 100 * time.Millisecond
	}
	s.starvation = time.Duration(cfg.StarvationThresholdSec) * time.Second
	if s.starvation <= 0 {
		s.starvation = time.Minute
	}
	s.maxSkips = cfg.MaxSkipsBeforePromote
	if s.maxSkips <= 0 {
		s.maxSkips = 10
	}

	s.preempt = NewPreemptionController(cfg.PreemptionEnabled, s.checkpoints, s.logger)

	if s.collector != nil {
		s.collector.SetGauges(s.gauges)
	}
	return s
}

// Submit enqueues a task and blocks the calling goroutine until the task
// completes, is aborted via ctx, or times out while queued. Validation
// failures return an error immediately without enqueueing.
func (s *Scheduler) Submit(ctx context.Context, task model.Task) (model.TaskResult, error) {
	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.TaskResult{}, err
		}
		task.ID = id
	}
	if err := task.Validate(); err != nil {
		return model.TaskResult{}, err
	}
	if task.Estimate.IsZero() && s.est != nil {
		est := s.est.Estimate(task.Source)
		task.Estimate = model.CostEstimate{Tokens: est.Tokens, Duration: est.Duration}
	}

	key := task.Key()
	enqueuedAt := time.Now()

	s.mu.Lock()
	q := s.queues[key]
	if q == nil {
		q = queue.New(s.clock)
		s.queues[key] = q
	}
	q.Enqueue(task)
	s.wakeLocked()
	s.mu.Unlock()

	s.logger.Debug().
		Str("task_id", task.ID).
		Str("key", key).
		Str("priority", task.Priority.String()).
		Msg("task_enqueued")

	for {
		if ctx.Err() != nil {
			return s.resolveQueued(key, task, enqueuedAt, true, false), nil
		}
		if !task.Deadline.IsZero() && time.Now().After(task.Deadline) {
			return s.resolveQueued(key, task, enqueuedAt, false, true), nil
		}

		s.mu.Lock()
		q := s.queues[key]
		if q == nil {
			// Should not happen under correct key management; resolve as a
			// failed result rather than retrying.
			s.mu.Unlock()
			return model.TaskResult{
				TaskID: task.ID,
				Err:    fmt.Errorf("no queue for key %q", key),
				Waited: time.Since(enqueuedAt),
			}, nil
		}

		q.PromoteStarving(s.maxSkips, s.starvation)

		// Collaborator calls (collector, bus, checkpoint writes) happen
		// after the lock is released; a slow disk or subscriber must not
		// stall other waiters.
		var exec *execution
		var rateLimited bool
		var victim *execution
		if head := s.candidate(q, time.Now()); head != nil && head.Task.ID == task.ID {
			switch {
			case !s.allowRateLocked(task):
				rateLimited = true
			case s.admitLocked(key):
				if taken := q.Take(task.ID); taken != nil {
					exec = &execution{
						task:      task,
						key:       key,
						priority:  taken.Priority,
						startedAt: time.Now(),
					}
					s.active[task.ID] = exec
					s.activePerKey[key]++
					s.totalActive++
				}
			default:
				if victim = s.reserveVictimLocked(task.Priority, key); victim == nil {
					q.BumpSkip(task.ID)
				}
			}
		}
		wakeCh := s.wake
		s.mu.Unlock()

		if exec != nil {
			return s.run(ctx, task, key, exec, enqueuedAt), nil
		}
		if rateLimited {
			s.noteRateLimited(task)
		}
		if victim != nil && s.completePreemption(task, victim) {
			// Slot freed; retry admission immediately.
			continue
		}

		select {
		case <-wakeCh:
		case <-time.After(s.poll):
		case <-ctx.Done():
		}
	}
}

// Resume loads a checkpoint by its own id and re-submits the task it
// belongs to. The execute closure receives the checkpoint so it can pick up
// from the persisted state.
func (s *Scheduler) Resume(ctx context.Context, checkpointID string, execute func(ctx context.Context, cp *model.Checkpoint) (any, error)) (model.TaskResult, error) {
	if s.checkpoints == nil {
		return model.TaskResult{}, errors.New("no checkpoint manager configured")
	}
	cp := s.checkpoints.LoadByID(checkpointID)
	if cp == nil {
		return model.TaskResult{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}

	task := model.Task{
		ID:       cp.TaskID,
		Source:   cp.Source,
		Provider: cp.Provider,
		Model:    cp.Model,
		Priority: cp.Priority,
		Execute: func(ctx context.Context) (any, error) {
			return execute(ctx, cp)
		},
	}
	return s.Submit(ctx, task)
}

// Await submits a task and asserts its result value to T.
func Await[T any](ctx context.Context, s *Scheduler, task model.Task) (T, model.TaskResult, error) {
	var zero T
	res, err := s.Submit(ctx, task)
	if err != nil {
		return zero, res, err
	}
	v, _ := res.Value.(T)
	return v, res, nil
}

// run executes an admitted task outside the scheduler lock and performs
// completion bookkeeping.
func (s *Scheduler) run(ctx context.Context, task model.Task, key string, exec *execution, enqueuedAt time.Time) model.TaskResult {
	waited := exec.startedAt.Sub(enqueuedAt)

	s.logger.Debug().
		Str("task_id", task.ID).
		Str("key", key).
		Int64("waited_ms", logx.Dur(waited)).
		Msg("task_dispatched")

	value, err := s.execute(ctx, task)
	executionTime := time.Since(exec.startedAt)

	s.mu.Lock()
	if cur, ok := s.active[task.ID]; ok && cur == exec {
		delete(s.active, task.ID)
		s.activePerKey[key]--
		s.totalActive--
	}
	s.wakeLocked()
	s.mu.Unlock()

	result := model.TaskResult{
		TaskID:    task.ID,
		Success:   err == nil,
		Value:     value,
		Err:       err,
		Waited:    waited,
		Execution: executionTime,
	}
	if task.Usage != nil {
		result.TokensUsed = task.Usage()
	}

	s.finish(task, result)
	return result
}

// execute runs the task body, converting panics into errors so one task
// cannot destabilize the scheduler.
func (s *Scheduler) execute(ctx context.Context, task model.Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Execute(ctx)
}

// resolveQueued removes a still-queued task and builds the aborted or
// timed-out result.
func (s *Scheduler) resolveQueued(key string, task model.Task, enqueuedAt time.Time, aborted, timedOut bool) model.TaskResult {
	s.mu.Lock()
	if q := s.queues[key]; q != nil {
		q.Remove(task.ID)
	}
	s.wakeLocked()
	s.mu.Unlock()

	result := model.TaskResult{
		TaskID:   task.ID,
		Waited:   time.Since(enqueuedAt),
		Aborted:  aborted,
		TimedOut: timedOut,
	}
	s.finish(task, result)
	return result
}

// finish records completion metrics and publishes the lifecycle event.
func (s *Scheduler) finish(task model.Task, result model.TaskResult) {
	if s.collector != nil {
		s.collector.RecordCompletion(metrics.Completion{
			TaskID:   task.ID,
			Provider: task.Provider,
			Model:    task.Model,
			Priority: task.Priority,
			Source:   task.Source,
			Success:  result.Success,
			Aborted:  result.Aborted,
			Wait:     result.Waited,
			Exec:     result.Execution,
		})
	}
	if s.est != nil && !result.Aborted && !result.TimedOut {
		// Record what the run actually cost, never the estimate. Without a
		// Usage callback the sample carries duration only.
		rec := estimator.Execution{
			Duration: result.Execution,
			Success:  result.Success,
		}
		if task.Usage != nil {
			rec.Tokens = result.TokensUsed
		}
		s.est.RecordExecution(task.Source, rec)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventTaskCompleted,
			TaskID:   task.ID,
			Provider: task.Provider,
			Model:    task.Model,
			Priority: task.Priority,
			Data: map[string]any{
				"success":   result.Success,
				"aborted":   result.Aborted,
				"timed_out": result.TimedOut,
			},
		})
	}
}

// admitLocked reports whether the two-tier budget has room for key.
// Callers hold s.mu.
func (s *Scheduler) admitLocked(key string) bool {
	return s.activePerKey[key] < s.maxPerKey && s.totalActive < s.maxTotal
}

// allowRateLocked consults the provider's rate limiter. Callers hold s.mu
// and record the denial via noteRateLimited after releasing it.
func (s *Scheduler) allowRateLocked(task model.Task) bool {
	limit, ok := s.cfg.RateLimits[task.Provider]
	if !ok || limit <= 0 {
		return true
	}
	limiter := s.limiters[task.Provider]
	if limiter == nil {
		burst := int(limit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limit), burst)
		s.limiters[task.Provider] = limiter
	}
	return limiter.Allow()
}

// noteRateLimited records a provider rate-limit denial with the collector
// and on the bus. Runs outside the scheduler lock.
func (s *Scheduler) noteRateLimited(task model.Task) {
	if s.collector != nil {
		s.collector.RecordRateLimitHit(task.Provider, task.Model)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventRateLimitHit,
			TaskID:   task.ID,
			Provider: task.Provider,
			Model:    task.Model,
			Priority: task.Priority,
		})
	}
}

// candidate returns the entry that would dispatch next from q: the
// comparator's top, or the hybrid-score argmax when hybrid scheduling is
// enabled.
func (s *Scheduler) candidate(q *queue.Queue, now time.Time) *queue.Entry {
	if !s.cfg.Hybrid.Enabled {
		return q.Peek()
	}
	return s.hybridBest(q.Entries(), now)
}

// wakeLocked wakes every waiter by replacing the broadcast channel.
// Callers hold s.mu.
func (s *Scheduler) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// gauges feeds the metrics collector's snapshot.
func (s *Scheduler) gauges() (queueDepth, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		queueDepth += q.Len()
	}
	return queueDepth, s.totalActive
}

// Stats is an observability snapshot of scheduler state.
type Stats struct {
	TotalQueued  int
	TotalActive  int
	QueueDepths  map[string]int
	ActivePerKey map[string]int
	Queues       map[string]queue.Stats
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalActive:  s.totalActive,
		QueueDepths:  make(map[string]int),
		ActivePerKey: make(map[string]int),
		Queues:       make(map[string]queue.Stats),
	}
	for key, q := range s.queues {
		depth := q.Len()
		st.TotalQueued += depth
		st.QueueDepths[key] = depth
		st.Queues[key] = q.Stats(s.starvation)
	}
	for key, n := range s.activePerKey {
		if n > 0 {
			st.ActivePerKey[key] = n
		}
	}
	return st
}

// TotalActive reports the current global active-execution count.
func (s *Scheduler) TotalActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalActive
}

// ActiveForKey reports the active-execution count for one concurrency key.
func (s *Scheduler) ActiveForKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePerKey[key]
}
