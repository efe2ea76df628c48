// Package broker is an in-process publish/subscribe primitive: one topic, many
// independent subscriber queues.
//
// Concurrency guarantees:
//   - Publish never blocks on a subscriber. Each subscription owns a bounded
//     queue; on overflow the oldest queued event is dropped and counted.
//   - All subscribers observe events in publish order.
//   - Cancel is idempotent and immediate: once it returns, the subscription
//     receives nothing further.
package broker

import (
	"errors"
	"log/slog"
	"sync"
)

const defaultQueueSize = 64

var (
	// ErrCancelled is returned by Next once the subscription is cancelled.
	ErrCancelled = errors.New("broker: subscription cancelled")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broker: closed")
)

// Metrics receives broker counters. Implementations must be cheap and non-blocking.
type Metrics interface {
	Published()
	Enqueued()
	Dropped()
	Subscribers(n int)
}

type noopMetrics struct{}

func (noopMetrics) Published()      {}
func (noopMetrics) Enqueued()       {}
func (noopMetrics) Dropped()        {}
func (noopMetrics) Subscribers(int) {}

// Option configures a Broker.
type Option func(*options)

type options struct {
	log       *slog.Logger
	queueSize int
	metrics   Metrics
}

// WithQueueSize sets the per-subscription queue capacity (default 64).
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the logger used for subscription lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Broker fans published values out to every matching subscription.
type Broker[T any] struct {
	log       *slog.Logger
	queueSize int
	metrics   Metrics

	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// New constructs a Broker.
func New[T any](opts ...Option) *Broker[T] {
	o := options{
		log:       slog.Default(),
		queueSize: defaultQueueSize,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Broker[T]{
		log:       o.log,
		queueSize: o.queueSize,
		metrics:   o.metrics,
		subs:      make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers a subscription receiving every published value for
// which filter returns true. A nil filter accepts everything.
//
// filter runs on the publisher's goroutine and must not block.
func (b *Broker[T]) Subscribe(filter func(T) bool) (*Subscription[T], error) {
	if filter == nil {
		filter = func(T) bool { return true }
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	s := &Subscription[T]{
		id:       b.nextID,
		broker:   b,
		filter:   filter,
		capacity: b.queueSize,
		queue:    make([]T, 0, b.queueSize),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.subs[s.id] = s
	b.metrics.Subscribers(len(b.subs))

	b.log.Debug("broker.subscription.open", "subscription_id", s.id, "active", len(b.subs))
	return s, nil
}

// Publish delivers v to every matching subscription and returns how many
// accepted it. It never waits for a consumer.
func (b *Broker[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Published()

	n := 0
	for _, s := range b.subs {
		if !s.filter(v) {
			continue
		}
		if s.enqueue(v) {
			n++
		}
	}
	return n
}

// Len returns the number of active subscriptions.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close cancels every subscription and rejects new ones.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	b.metrics.Subscribers(len(b.subs))

	b.log.Debug("broker.subscription.close", "subscription_id", id, "active", len(b.subs))
}
