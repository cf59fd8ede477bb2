// Package events is the in-process fan-out of request outcomes and provider
// health transitions to live admin subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRequestCompleted EventType = "request_completed"
	EventRequestFailed    EventType = "request_failed"
	EventHealthChange     EventType = "health_change"
)

// ParseType returns the event type named s.
func ParseType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case EventRequestCompleted, EventRequestFailed, EventHealthChange:
		return t, true
	}
	return "", false
}

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// Request outcome; set on request_completed and request_failed.
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	CostCents  string `json:"cost_cents,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`

	// Set on health_change.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// JSON returns the event encoded as JSON.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C. C is never closed; stop reading after
// Unsubscribe.
type Subscriber struct {
	C       chan Event
	types   map[EventType]bool // nil = all
	dropped atomic.Int64
}

// Dropped is the number of events this subscriber missed because C was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with a channel of bufSize (default 64).
// With types given, only those event types are delivered.
func (b *Bus) Subscribe(bufSize int, types ...EventType) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize)}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Publish delivers e to every interested subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.C <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
