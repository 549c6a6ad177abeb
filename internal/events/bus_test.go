package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/piworks/agentsched/internal/model"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(EventTaskCompleted, func(ev Event) {
		got <- ev
	})

	b.Publish(Event{
		Type:     EventTaskCompleted,
		TaskID:   "task_1700000000_aabbccdd",
		Provider: "anthropic",
		Priority: model.PriorityHigh,
	})

	select {
	case ev := <-got:
		if ev.TaskID != "task_1700000000_aabbccdd" {
			t.Errorf("task id = %s", ev.TaskID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("publish should stamp the timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestPublishFiltersByType(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	var count int64
	b.Subscribe(EventTaskPreempted, func(Event) {
		atomic.AddInt64(&count, 1)
	})

	b.Publish(Event{Type: EventTaskCompleted})
	b.Publish(Event{Type: EventRateLimitHit})
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt64(&count); n != 0 {
		t.Errorf("subscriber for other type received %d events", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	var count int64
	unsub := b.Subscribe(EventCheckpointSaved, func(Event) {
		atomic.AddInt64(&count, 1)
	})

	b.Publish(Event{Type: EventCheckpointSaved})
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&count) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt64(&count) != 1 {
		t.Fatal("first event not delivered")
	}

	unsub()
	b.Publish(Event{Type: EventCheckpointSaved})
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&count); n != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", n)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus(1)
	defer b.Close()

	// A subscriber that never drains beyond the first event.
	block := make(chan struct{})
	b.Subscribe(EventTaskCompleted, func(Event) {
		<-block
	})
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventTaskCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscriberPanicSwallowed(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	var after int64
	b.Subscribe(EventTaskCompleted, func(Event) {
		panic("bad subscriber")
	})
	b.Subscribe(EventTaskCompleted, func(Event) {
		atomic.AddInt64(&after, 1)
	})

	b.Publish(Event{Type: EventTaskCompleted})
	b.Publish(Event{Type: EventTaskCompleted})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&after) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := atomic.LoadInt64(&after); n != 2 {
		t.Errorf("healthy subscriber received %d events, want 2", n)
	}
}
