package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 256

// EventBus is a channel-based pub-sub event bus. One bus carries the events
// of a single run; it is closed when the run ends.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	closed  bool
	dropped atomic.Uint64
}

// Subscription receives events on C until it is closed or the bus closes.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	topics []string // Empty receives every topic
	bus    *EventBus
	once   sync.Once
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe creates a subscription to the given topics, or to every topic
// when none are given. bufSize defaults to DefaultBufferSize if <= 0.
func (b *EventBus) Subscribe(bufSize int, topics ...string) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Close removes the subscription and closes C. Safe to call multiple times
// and after the bus was closed.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.subs = slices.DeleteFunc(s.bus.subs, func(other *Subscription) bool { return other == s })
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

// Publish sends an event to every subscriber of topic.
// Non-blocking: if a subscriber's channel is full the event is dropped for
// that subscriber and counted in Dropped.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subs = nil
}
