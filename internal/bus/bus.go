// Package bus is the in-process publish-subscribe fabric between the
// gateway, channel adapters, and the agent runtime.
//
// Delivery guarantees: per-topic FIFO per publisher. Events are never
// persisted and never replayed across reconnects — the session log is the
// canonical record, not the bus.
package bus

import (
	"log/slog"
	"sync"
)

// DefaultHighWater is the per-subscriber queue bound. A subscriber whose
// queue exceeds it is dropped with SlowConsumer rather than blocking
// publishers.
const DefaultHighWater = 256

type subscriber struct {
	id     string
	topics map[string]struct{} // empty = all topics
	queue  chan Event
	done   chan struct{}
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus implements Publisher with copy-on-write subscriber tables: Publish
// takes a read lock only long enough to snapshot the table.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	highWater int
	onDrop    DropHandler

	inbound chan InboundMessage
}

// New creates a Bus with the default high-water mark.
func New() *Bus {
	return NewWithHighWater(DefaultHighWater)
}

// NewWithHighWater creates a Bus with a custom per-subscriber queue bound.
func NewWithHighWater(hw int) *Bus {
	if hw <= 0 {
		hw = DefaultHighWater
	}
	return &Bus{
		subs:      make(map[string]*subscriber),
		highWater: hw,
		inbound:   make(chan InboundMessage, 128),
	}
}

// OnDrop registers a callback invoked when a slow subscriber is removed.
func (b *Bus) OnDrop(h DropHandler) {
	b.mu.Lock()
	b.onDrop = h
	b.mu.Unlock()
}

// Subscribe registers a handler for the given topics (nil/empty = all).
// Each subscriber gets its own dispatch goroutine so one slow handler
// cannot stall the others.
func (b *Bus) Subscribe(id string, topics []string, h Handler) {
	sub := &subscriber{
		id:    id,
		queue: make(chan Event, b.highWater),
		done:  make(chan struct{}),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.done)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case e := <-sub.queue:
				h(e)
			case <-sub.done:
				return
			}
		}
	}()
}

// Unsubscribe removes a subscriber. Queued events it has not consumed are
// discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.done)
	}
	b.mu.Unlock()
}

// Publish fans the event to all matching subscribers without blocking.
// A subscriber with a full queue is dropped with SlowConsumer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Topic) {
			snapshot = append(snapshot, s)
		}
	}
	onDrop := b.onDrop
	b.mu.RUnlock()

	for _, s := range snapshot {
		select {
		case s.queue <- e:
		default:
			pending := len(s.queue)
			slog.Warn("bus.slow_consumer", "subscriber", s.id, "topic", e.Topic, "pending", pending)
			b.Unsubscribe(s.id)
			if onDrop != nil {
				onDrop(s.id, pending)
			}
		}
	}
}

// PublishInbound queues a normalised inbound message for the runtime
// consumer. Blocks only when the inbound queue is full.
func (b *Bus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// Inbound exposes the inbound queue to the gateway consumer loop.
func (b *Bus) Inbound() <-chan InboundMessage {
	return b.inbound
}
