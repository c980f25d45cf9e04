// Package events carries asynchronous runtime faults and coordination
// milestones from the engine components to whoever is watching.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventBudgetWarning is published when a worker sends past its soft budget.
	// Delivery still proceeds.
	EventBudgetWarning EventType = "budget_warning"
	// EventNotDelivered is published when queued mail for an unreachable
	// worker outlives the queue interval and is dropped.
	EventNotDelivered EventType = "not_delivered"
	// EventStaleTask is published when an in-progress task crosses the
	// staleness threshold and its owner is nudged.
	EventStaleTask EventType = "stale_task"
	// EventWorkerUnreachable is published when a worker stops answering.
	EventWorkerUnreachable EventType = "worker_unreachable"
	// EventWorkerReplaced is published after a replacement worker took over
	// the owned tasks of an unresponsive one.
	EventWorkerReplaced EventType = "worker_replaced"
	// EventEscalated is published when a task reaches escalated.
	EventEscalated EventType = "escalated"
	// EventCheckpointFailed is published when a checkpoint write fails. The
	// write is retried at the next boundary.
	EventCheckpointFailed   EventType = "checkpoint_failed"
	EventBarrierReleased    EventType = "barrier_released"
	EventSessionTerminated  EventType = "session_terminated"
	EventDissolutionStarted EventType = "dissolution_started"
)

// AllEventTypes lists every event type the engine publishes.
var AllEventTypes = []EventType{
	EventBudgetWarning,
	EventNotDelivered,
	EventStaleTask,
	EventWorkerUnreachable,
	EventWorkerReplaced,
	EventEscalated,
	EventCheckpointFailed,
	EventBarrierReleased,
	EventSessionTerminated,
	EventDissolutionStarted,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber owns a
// buffered channel drained by its own goroutine; when that buffer is full the
// event is dropped for that subscriber only, so publishers never stall.
// A nil *Bus accepts and discards publishes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns the unsubscribe func.
// fn runs on a dedicated goroutine; a panic inside fn is swallowed.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
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
		})
	}
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
