// Package main - events.go
//
// In-process event fan-out plus a bounded in-memory log ring. The bus backs
// the websocket stream; the ring backs the log endpoint. Publish never
// blocks: a subscriber that cannot keep up loses events rather than stalling
// the control loop.
package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published on the bus.
const (
	EventStatusChanged      = "status_changed"
	EventBotStarted         = "bot_started"
	EventBotStopped         = "bot_stopped"
	EventBotPaused          = "bot_paused"
	EventBotResumed         = "bot_resumed"
	EventErrorOccurred      = "error_occurred"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
)

// Event is one bus message.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds a timestamped event.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

const subscriberBuffer = 64

// EventBus fans events out to subscribers.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a receiver. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Emit is shorthand for publishing a freshly built event.
func (b *EventBus) Emit(eventType string, data map[string]any) {
	b.Publish(NewEvent(eventType, data))
}

// SubscriberCount reports the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LogEntry is one retained log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogRing retains the most recent log lines. It plugs into zerolog as a hook
// so every logger call lands here as well as on the console.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	limit   int
}

// NewLogRing returns a ring holding at most limit entries.
func NewLogRing(limit int) *LogRing {
	if limit <= 0 {
		limit = 1000
	}
	return &LogRing{limit: limit}
}

// Run implements zerolog.Hook.
func (r *LogRing) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel || msg == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
	})
	if len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
}

// Last returns up to n of the most recent entries, oldest first.
func (r *LogRing) Last(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]LogEntry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}
