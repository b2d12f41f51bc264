package session

import (
	"sync"
	"time"
)

// EventType classifies messages emitted while recording.
type EventType string

const (
	EventCountdown       EventType = "countdown"
	EventCaptureStarted  EventType = "capture_started"
	EventCaptureStopped  EventType = "capture_stopped"
	EventSessionRecorded EventType = "session_recorded"
	EventWarning         EventType = "warning"
	EventError           EventType = "error"
	EventQueuePaused     EventType = "queue_paused"
	EventQueueResumed    EventType = "queue_resumed"
	EventQueueStopped    EventType = "queue_stopped"
	EventQueueDrained    EventType = "queue_drained"
	EventPoolProgress    EventType = "pool_progress"
	EventFlushDispatched EventType = "flush_dispatched"
	EventFlushFailed     EventType = "flush_failed"
	EventBatchDiscarded  EventType = "batch_discarded"
)

// Event is a sequenced payload consumed by UI pollers.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Label     string    `json:"label,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	BatchID   string    `json:"batchId,omitempty"`

	// Text and Visible drive the countdown overlay.
	Text    string `json:"text,omitempty"`
	Visible bool   `json:"visible,omitempty"`

	Message string `json:"message,omitempty"`
	Count   int    `json:"count,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu          sync.RWMutex
	nextSeq     int64
	maxEvents   int
	events      []Event
	subscribers map[int]chan Event
	nextSubID   int
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents:   maxEvents,
		events:      make([]Event, 0, maxEvents),
		subscribers: make(map[int]chan Event),
	}
}

// Publish appends one event and assigns sequence and timestamp.
// Subscribers that are not keeping up miss the event; Since still has it.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Subscribe streams new events until the returned cancel func is called.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
