package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscription queue capacity. When a
// subscriber falls this far behind, the oldest queued events are dropped.
const DefaultQueueSize = 1000

// Bus is the publish/subscribe surface shared by all runtime components.
//
// Publish never blocks the caller: each subscription owns a bounded queue
// and overflowing queues shed their oldest events. Events published from a
// single goroutine are delivered to each subscription in FIFO order.
type Bus interface {
	// Publish delivers e to every subscription whose filter matches.
	Publish(e AgentEvent)

	// Subscribe registers a new subscription. Events matching the filter
	// are readable from Subscription.Events until Unsubscribe.
	Subscribe(f Filter, opts ...SubOption) *Subscription

	// SubscribeFunc registers a handler-style subscription drained by a
	// dedicated goroutine. Handler panics are isolated and logged; the
	// subscription stays active until Unsubscribe.
	SubscribeFunc(f Filter, handler func(AgentEvent), opts ...SubOption) *Subscription

	// Unsubscribe removes the subscription and closes its queue.
	// Calling it twice is a no-op.
	Unsubscribe(s *Subscription)

	// Child returns a derived bus that stamps the scope onto every event
	// published through it. Subscriptions are shared with the parent.
	Child(scope Scope) Bus
}

// Subscription is a registered consumer of bus events.
type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan AgentEvent
	mu      sync.Mutex // serializes enqueue + drop-oldest
	closed  bool
	dropped atomic.Uint64
	done    chan struct{} // closed on unsubscribe; stops handler pumps
}

// Events returns the subscription's delivery channel. The channel is closed
// by Unsubscribe.
func (s *Subscription) Events() <-chan AgentEvent { return s.ch }

// Dropped returns the number of events shed due to queue overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// deliver enqueues e, dropping the oldest queued event when full.
func (s *Subscription) deliver(e AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Queue full: shed the oldest event and retry. The consumer may
		// race us for the head; either way one slot frees up.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// SubOption configures a subscription.
type SubOption func(*subConfig)

type subConfig struct {
	queueSize int
}

// WithQueueSize overrides the subscription queue capacity.
func WithQueueSize(n int) SubOption {
	return func(c *subConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// MemoryBus is the in-process Bus implementation. One instance exists per
// session; components receive scoped children of it.
type MemoryBus struct {
	mu              sync.RWMutex
	subs            map[uint64]*Subscription
	nextID          uint64
	reservedAllowed bool
	logger          *slog.Logger
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithReserved permits publishing reserved event types. By default reserved
// types are silently discarded since nothing emits them yet.
func WithReserved(allow bool) BusOption {
	return func(b *MemoryBus) { b.reservedAllowed = allow }
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *MemoryBus) { b.logger = l }
}

// NewBus creates an empty in-memory bus.
func NewBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[uint64]*Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.
func (b *MemoryBus) Publish(e AgentEvent) {
	if reserved[e.Type] && !b.reservedAllowed {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.Matches(e) {
			sub.deliver(e)
		}
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(f Filter, opts ...SubOption) *Subscription {
	cfg := subConfig{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan AgentEvent, cfg.queueSize),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc implements Bus.
func (b *MemoryBus) SubscribeFunc(f Filter, handler func(AgentEvent), opts ...SubOption) *Subscription {
	sub := b.Subscribe(f, opts...)
	go b.pump(sub, handler)
	return sub
}

// pump drains a handler subscription, isolating handler panics so a faulty
// subscriber cannot take down the bus.
func (b *MemoryBus) pump(sub *Subscription, handler func(AgentEvent)) {
	for {
		select {
		case <-sub.done:
			return
		case e, ok := <-sub.ch:
			if !ok {
				return
			}
			b.safeHandle(handler, e)
		}
	}
}

func (b *MemoryBus) safeHandle(handler func(AgentEvent), e AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", string(e.Type),
				"panic", r)
		}
	}()
	handler(e)
}

// Unsubscribe implements Bus. Idempotent.
func (b *MemoryBus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	_, present := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()
	if !present {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.ch)
	}
}

// Child implements Bus.
func (b *MemoryBus) Child(scope Scope) Bus {
	return &childBus{parent: b, scope: scope}
}

// childBus stamps a fixed scope onto every published event and delegates
// everything else to its parent. Children may be nested; inner scopes win
// for fields they set first.
type childBus struct {
	parent Bus
	scope  Scope
}

func (c *childBus) Publish(e AgentEvent) {
	c.parent.Publish(c.scope.apply(e))
}

func (c *childBus) Subscribe(f Filter, opts ...SubOption) *Subscription {
	return c.parent.Subscribe(f, opts...)
}

func (c *childBus) SubscribeFunc(f Filter, handler func(AgentEvent), opts ...SubOption) *Subscription {
	return c.parent.SubscribeFunc(f, handler, opts...)
}

func (c *childBus) Unsubscribe(s *Subscription) { c.parent.Unsubscribe(s) }

func (c *childBus) Child(scope Scope) Bus {
	return &childBus{parent: c, scope: scope}
}
