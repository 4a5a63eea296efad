package fanout

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
)

// EventType names the session-scoped events delivered to subscribers.
type EventType string

const (
	EventRecordCreated       EventType = "recordCreated"
	EventSessionStateChanged EventType = "sessionStateChanged"
	EventLiveStatsUpdated    EventType = "liveStatsUpdated"
)

// Event is one fan-out message. Sequence is per session and assigned at
// publish time inside the session's critical section, so sequence order is
// commit order.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload"`
}

// Subscriber is one live-view client of a session. Events arrive on a
// buffered channel drained by a single consumer; a subscriber that lets
// the buffer fill is evicted rather than blocking the commit path.
type Subscriber struct {
	id        string
	sessionID string
	ch        chan Event
	closeOnce sync.Once
}

// Events is the ordered stream for this subscriber. The channel closes on
// eviction, unsubscribe, or session teardown.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// ID identifies the subscription for Unsubscribe.
func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type sessionHub struct {
	seq  uint64
	subs map[string]*Subscriber
}

// Publisher owns the per-session subscriber sets and delivers events to
// every current subscriber in commit order. It holds no persistent state.
type Publisher struct {
	buffer int

	mu   sync.RWMutex
	hubs map[string]*sessionHub
}

// NewPublisher creates a publisher whose subscribers buffer up to buffer
// undelivered events.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{buffer: buffer, hubs: make(map[string]*sessionHub)}
}

func (p *Publisher) hub(sessionID string) *sessionHub {
	h, ok := p.hubs[sessionID]
	if !ok {
		h = &sessionHub{subs: make(map[string]*Subscriber)}
		p.hubs[sessionID] = h
	}
	return h
}

// Subscribe registers a new subscriber for a session and returns the last
// assigned sequence. Callers subscribe from inside the session's critical
// section so the snapshot they pair with it cannot miss or double-count a
// delta.
func (p *Publisher) Subscribe(sessionID string) (*Subscriber, uint64) {
	sub := &Subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan Event, p.buffer),
	}
	p.mu.Lock()
	h := p.hub(sessionID)
	h.subs[sub.id] = sub
	seq := h.seq
	p.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub, seq
}

// Unsubscribe removes a subscriber deterministically. Safe to call twice.
func (p *Publisher) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	h, ok := p.hubs[sub.sessionID]
	if ok {
		if _, present := h.subs[sub.id]; present {
			delete(h.subs, sub.id)
			metrics.Subscribers.Dec()
		}
		if len(h.subs) == 0 && h.seq == 0 {
			delete(p.hubs, sub.sessionID)
		}
	}
	p.mu.Unlock()
	sub.close()
}

// Publish assigns the next sequence and delivers the event to every
// current subscriber of the session. Delivery is best effort per
// subscriber: a full buffer evicts that subscriber and never blocks or
// fails the caller.
func (p *Publisher) Publish(sessionID string, typ EventType, payload any) uint64 {
	p.mu.Lock()
	h := p.hub(sessionID)
	h.seq++
	evt := Event{Type: typ, SessionID: sessionID, Sequence: h.seq, Payload: payload}

	var evicted []*Subscriber
	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(h.subs, id)
			evicted = append(evicted, sub)
		}
	}
	p.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(typ)).Inc()
	for _, sub := range evicted {
		log.Printf("fanout: dropping slow subscriber %s on session %s at seq %d", sub.id, sessionID, evt.Sequence)
		metrics.Subscribers.Dec()
		metrics.SubscribersDropped.Inc()
		sub.close()
	}
	return evt.Sequence
}

// CloseSession tears down all subscribers of a session after its terminal
// event has been queued to them.
func (p *Publisher) CloseSession(sessionID string) {
	p.mu.Lock()
	h, ok := p.hubs[sessionID]
	var subs []*Subscriber
	if ok {
		for _, sub := range h.subs {
			subs = append(subs, sub)
		}
		delete(p.hubs, sessionID)
	}
	p.mu.Unlock()
	for _, sub := range subs {
		metrics.Subscribers.Dec()
		sub.close()
	}
}

// SubscriberCount reports the current subscribers of a session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.hubs[sessionID]; ok {
		return len(h.subs)
	}
	return 0
}
