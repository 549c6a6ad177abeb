// Package events provides a non-blocking pub/sub bus for scheduler
// lifecycle events. Downstream verification or alerting layers subscribe
// here; the scheduler never waits on them.
package events

import (
	"sync"
	"time"

	"github.com/piworks/agentsched/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskCompleted is published when a task's execute returns,
	// whatever the outcome.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskPreempted is published after a running task has been
	// checkpointed and evicted for a higher-priority arrival.
	EventTaskPreempted EventType = "task_preempted"
	// EventRateLimitHit is published when a provider rate limiter denies a
	// dispatch attempt.
	EventRateLimitHit EventType = "rate_limit_hit"
	// EventCheckpointSaved is published after a checkpoint file is written.
	EventCheckpointSaved EventType = "checkpoint_saved"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Provider  string
	Model     string
	Priority  model.Priority
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus fans events out to subscribers asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for that
// subscriber rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function. The subscriber runs on its own goroutine; panics
// inside it are swallowed so one bad subscriber cannot take down the bus.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to all subscribers of its type without
// blocking. The timestamp is stamped here if unset.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
