// Package model defines the data structures shared by the agentsched
// scheduling core: tasks, priorities, checkpoints, and configuration.
package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Source identifies the kind of agent run that produced a task. The cost
// estimator keys its rolling statistics on this value.
type Source string

const (
	SourceSingleAgentRun   Source = "single-agent-run"
	SourceParallelAgentRun Source = "parallel-agent-run"
	SourceSingleTeamRun    Source = "single-team-run"
	SourceParallelTeamRun  Source = "parallel-team-run"
)

var validSources = map[Source]bool{
	SourceSingleAgentRun:   true,
	SourceParallelAgentRun: true,
	SourceSingleTeamRun:    true,
	SourceParallelTeamRun:  true,
}

func (s Source) Valid() bool {
	return validSources[s]
}

// CostEstimate predicts how expensive a task will be before it runs.
type CostEstimate struct {
	Tokens   int
	Duration time.Duration
}

func (c CostEstimate) IsZero() bool {
	return c.Tokens == 0 && c.Duration == 0
}

// ExecuteFunc is the opaque unit of work supplied by the task producer.
// The scheduler never inspects the returned value; cancellation is
// cooperative via the supplied context.
type ExecuteFunc func(ctx context.Context) (any, error)

// SnapshotFunc captures task-local state for checkpointing when the task is
// preempted. Progress is reported in [0,1].
type SnapshotFunc func() (state any, progress float64)

// Task is one schedulable unit of agent work. The scheduler holds a
// reference only while the task is queued or executing.
type Task struct {
	ID       string
	Source   Source
	Provider string
	Model    string
	Priority Priority

	Estimate CostEstimate

	// Execute runs the task body. Required.
	Execute ExecuteFunc

	// Snapshot, when set, supplies the state persisted if the task is
	// preempted while running.
	Snapshot SnapshotFunc

	// Usage, when set, reports the tokens the task actually consumed. It
	// is sampled once after Execute returns and feeds the estimator's
	// history; without it only the duration is recorded.
	Usage func() int

	// Deadline bounds queue wait only. A task whose deadline passes before
	// dispatch resolves with TimedOut=true and never executes. Zero means
	// no deadline.
	Deadline time.Time
}

// Key returns the case-insensitive provider:model concurrency key.
func (t Task) Key() string {
	return strings.ToLower(t.Provider + ":" + t.Model)
}

func (t Task) Validate() error {
	if t.Execute == nil {
		return fmt.Errorf("task %s: execute is required", t.ID)
	}
	if t.Provider == "" || t.Model == "" {
		return fmt.Errorf("task %s: provider and model are required", t.ID)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: invalid priority %d", t.ID, int(t.Priority))
	}
	return nil
}

// TaskResult is what a Submit call resolves to. TokensUsed is zero unless
// the task supplied a Usage callback.
type TaskResult struct {
	TaskID     string
	Success    bool
	Value      any
	Err        error
	Waited     time.Duration
	Execution  time.Duration
	TokensUsed int
	TimedOut   bool
	Aborted    bool
}
