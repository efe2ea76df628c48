package broker

import (
	"context"
	"sync"
)

// State is a subscription lifecycle state.
type State int

const (
	// Active subscriptions receive matching events.
	Active State = iota
	// Cancelled is terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one delivered value.
//
// Missed is the number of values dropped for this subscription, because its
// queue was full, between the previous delivered event and this one.
type Event[T any] struct {
	Value  T
	Missed uint64
}

// Subscription is a live stream from a Broker. It is owned by one consumer.
type Subscription[T any] struct {
	id     uint64
	broker *Broker[T]
	filter func(T) bool

	mu        sync.Mutex
	capacity  int
	queue     []T
	missed    uint64
	cancelled bool

	notify     chan struct{} // cap 1; "queue may be non-empty"
	done       chan struct{}
	cancelOnce sync.Once
}

// ID returns the broker-local subscription id.
func (s *Subscription[T]) ID() uint64 { return s.id }

// State reports whether the subscription is still active.
func (s *Subscription[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return Cancelled
	}
	return Active
}

// Done is closed when the subscription is cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Next blocks until an event is available, the subscription is cancelled
// (ErrCancelled) or ctx ends (ctx.Err()).
func (s *Subscription[T]) Next(ctx context.Context) (Event[T], error) {
	var zero Event[T]
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return zero, ErrCancelled
		}
		if len(s.queue) > 0 {
			ev := Event[T]{Value: s.queue[0], Missed: s.missed}
			var empty T
			s.queue[0] = empty
			s.queue = s.queue[1:]
			s.missed = 0
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
			return zero, ErrCancelled
		case <-s.notify:
		}
	}
}

// Cancel unregisters the subscription and discards queued events (idempotent).
func (s *Subscription[T]) Cancel() {
	if s == nil {
		return
	}
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.mu.Unlock()

		close(s.done)
		s.broker.remove(s.id)
	})
}

// enqueue is called with the broker lock held.
func (s *Subscription[T]) enqueue(v T) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.capacity {
		var empty T
		s.queue[0] = empty
		s.queue = s.queue[1:]
		s.missed++
		s.broker.metrics.Dropped()
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	s.broker.metrics.Enqueued()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}
