package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// EventType names a job lifecycle transition.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventProgress  EventType = "progress"
	EventRetrying  EventType = "retrying"
)

var allEvents = []EventType{EventCompleted, EventFailed, EventStalled, EventProgress, EventRetrying}

// Event is published on the bus for every lifecycle transition.
type Event struct {
	Type         EventType       `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	AttemptsMade int             `json:"attemptsMade"`
	Progress     int             `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryIn      time.Duration   `json:"retryIn,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Events is an in-process bus for job lifecycle events. After Close,
// publishing and unsubscribing are no-ops.
type Events struct {
	ps *pubsub.PubSub

	mu     sync.RWMutex
	closed bool
}

// NewEvents creates a bus whose subscriber channels buffer capacity events.
func NewEvents(capacity int) *Events {
	return &Events{ps: pubsub.New(capacity)}
}

// Subscribe returns a channel of Event values for the given types, or all
// types when none are given. Subscribers must keep draining the channel.
// Subscribing to a closed bus returns a closed channel.
func (e *Events) Subscribe(types ...EventType) chan interface{} {
	if len(types) == 0 {
		types = allEvents
	}
	topics := make([]string, len(types))
	for i, t := range types {
		topics[i] = string(t)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		ch := make(chan interface{})
		close(ch)
		return ch
	}
	return e.ps.Sub(topics...)
}

// Unsubscribe detaches ch from every topic and closes it.
func (e *Events) Unsubscribe(ch chan interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ps.Unsub(ch)
}

// Close closes every subscriber channel. It is safe to call more than once.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.ps.Shutdown()
}

func (e *Events) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ps.Pub(ev, string(ev.Type))
}
