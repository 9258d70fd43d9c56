// Package events fans session events out to display consumers without
// ever blocking the tick loop.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
)

type Kind string

const (
	KindStatus     Kind = "status"
	KindSnapshot   Kind = "snapshot"
	KindPrediction Kind = "prediction"
	KindIntent     Kind = "intent"
	KindCommand    Kind = "command"
	KindTrial      Kind = "trial"
	KindCounters   Kind = "counters"
	KindTraffic    Kind = "traffic"
)

// Event is one published item. Payload is owned by the bus once
// published; publishers hand over copies.
type Event struct {
	Kind    Kind      `json:"kind" msgpack:"kind"`
	Session string    `json:"session" msgpack:"session"`
	At      time.Time `json:"at" msgpack:"at"`
	Payload any       `json:"payload" msgpack:"payload"`
}

// Stats counts deliveries for one subscriber.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Subscription is a bounded queue. When it is full the oldest queued
// event is discarded to make room.
type Subscription struct {
	id      string
	mu      sync.Mutex
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

// C delivers events. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			s.sent.Add(1)
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
			// consumer drained it meanwhile
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	published atomic.Uint64
	closed    bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a consumer with a queue of size events.
func (b *Bus) Subscribe(id string, size int) (*Subscription, error) {
	if size < 1 {
		size = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, ErrSubscriberExists
	}
	s := &Subscription{id: id, ch: make(chan Event, size)}
	b.subs[id] = s
	return s, nil
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return ErrSubscriberNotFound
	}
	s.close()
	return nil
}

// Publish never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.offer(ev)
	}
}

func (b *Bus) Published() uint64 { return b.published.Load() }

// Stats returns the counters of one subscriber.
func (b *Bus) Stats(id string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[id]
	if !ok {
		return Stats{}, ErrSubscriberNotFound
	}
	return s.Stats(), nil
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.close()
	}
	b.subs = nil
}
