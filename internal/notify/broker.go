package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lvbu1984/spotd/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 16

// Broker fans events out to in-process subscribers such as the SSE stream.
//
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the event, and the drop is counted.
type Broker struct {
	subscribers *xsync.Map[uint64, *subscriber]
	nextID      atomic.Uint64
	buffer      int
	metrics     metrics.Collector
}

var _ Notifier = (*Broker)(nil)

// NewBroker creates a broker. buffer <= 0 selects DefaultSubscriberBuffer.
func NewBroker(buffer int, m metrics.Collector) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Broker{
		subscribers: xsync.NewMap[uint64, *subscriber](),
		buffer:      buffer,
		metrics:     m,
	}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
//
// Example:
//
//	ch, cancel := broker.Subscribe()
//	defer cancel()
//	for ev := range ch {
//	    fmt.Println(ev.ResourceID, ev.Kind)
//	}
func (b *Broker) Subscribe() (<-chan Event, func()) {
	id := b.nextID.Add(1)
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.subscribers.Store(id, sub)

	return sub.ch, func() {
		if s, ok := b.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

// Subscribers reports how many subscriptions are open.
func (b *Broker) Subscribers() int {
	return b.subscribers.Size()
}

func (b *Broker) Notify(_ context.Context, ev Event) error {
	b.subscribers.Range(func(_ uint64, sub *subscriber) bool {
		if !sub.trySend(ev) {
			b.metrics.RecordEventDropped()
		}
		return true
	})

	return nil
}

// Close cancels every subscription.
func (b *Broker) Close() {
	b.subscribers.Range(func(id uint64, _ *subscriber) bool {
		if s, ok := b.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
		return true
	})
}

type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// trySend reports false when the event was dropped.
func (s *subscriber) trySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
