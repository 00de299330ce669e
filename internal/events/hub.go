// Package events fans coordinator events out to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ParticipantAdmitted   Type = "participant_admitted"
	ParticipantPromoted   Type = "participant_promoted"
	TurnRecorded          Type = "turn_recorded"
	AnalysisStarted       Type = "analysis_started"
	ParticipantClassified Type = "participant_classified"
	AnalysisFailed        Type = "analysis_failed"
)

type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	ParticipantID string         `json:"participant_id"`
	At            time.Time      `json:"at"`
	Data          map[string]any `json:"data,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(e Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}

type multiSink []Sink

// Multi publishes to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, s := range m {
		s.Publish(e)
	}
}

const defaultBuffer = 64

// Hub broadcasts to every subscriber. A subscriber whose buffer is full
// misses the event; the publisher never waits.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	onDrop func()
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// SetDropHook registers fn to run for every dropped delivery.
func (h *Hub) SetDropHook(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

func (h *Hub) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type Subscription struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}
