// Package events implements the engine's publish/subscribe notification bus.
//
// Delivery is ordered: every subscriber sees events in sequence order.
// Delivery to handlers is at-least-once: a handler returning an error is
// retried up to Config.MaxAttempts times. Channel subscribers are read-only
// consumers and never hold up a publisher: an event that does not fit in the
// channel buffer is dropped for that subscriber. Handlers may publish and may
// unsubscribe any subscription, including their own, while a dispatch is in
// progress.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victoralfred/execution-engine/internal/core/domain"
	"go.uber.org/zap"
)

// Handler receives one event. Returning an error schedules a redelivery.
type Handler func(ctx context.Context, event domain.Event) error

// Config contains configuration for the bus
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	QueueLimit   int           `mapstructure:"queue_limit"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
		QueueLimit:   65536,
	}
}

// Stats reports bus counters
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Retried     uint64 `json:"retried"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type pending struct {
	ctx   context.Context
	event domain.Event
}

// Bus fans events out to subscribers
type Bus struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64

	qmu      sync.Mutex
	queue    []pending
	draining bool
	closed   bool

	seq       atomic.Uint64
	published atomic.Uint64
	delivered atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus. A nil logger disables logging.
func NewBus(config Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.QueueLimit < 1 {
		config.QueueLimit = DefaultConfig().QueueLimit
	}
	return &Bus{config: config, logger: logger.Named("events")}
}

// Subscription is a registered handler
type Subscription struct {
	id      uint64
	bus     *Bus
	types   map[domain.EventType]struct{}
	handler Handler
	active  atomic.Bool

	// set for channel subscriptions
	chMu    sync.RWMutex
	ch      chan domain.Event
	dropped atomic.Uint64
}

// ID returns the subscription identifier
func (s *Subscription) ID() uint64 { return s.id }

// Active reports whether the subscription still receives events
func (s *Subscription) Active() bool { return s.active.Load() }

// Dropped counts events a channel subscription missed because its buffer
// was full
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe stops delivery. Events not yet handed to the handler are
// skipped even if the current dispatch already took a snapshot that includes
// this subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s.id)
	if s.ch != nil {
		s.chMu.Lock()
		close(s.ch)
		s.ch = nil
		s.chMu.Unlock()
	}
}

func (s *Subscription) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Subscribe registers handler for the listed event types, or all types when
// none are given.
func (b *Bus) Subscribe(handler Handler, types ...domain.EventType) *Subscription {
	sub := b.newSubscription(types)
	sub.handler = handler
	b.register(sub)
	return sub
}

// SubscribeChan delivers events to a buffered channel. The channel is closed
// by Unsubscribe. Sends never block: an event arriving while the buffer is
// full is dropped for this subscriber and counted.
func (b *Bus) SubscribeChan(buffer int, types ...domain.EventType) (<-chan domain.Event, *Subscription) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Event, buffer)
	sub := b.newSubscription(types)
	sub.ch = ch
	b.register(sub)
	return ch, sub
}

func (b *Bus) newSubscription(types []domain.EventType) *Subscription {
	sub := &Subscription{bus: b}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	return sub
}

func (b *Bus) register(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish assigns the next sequence number and delivers the event to every
// matching subscriber. If another goroutine is already dispatching, the event
// is queued behind it and delivered by that goroutine in order.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return domain.ErrShutdown
	}
	if len(b.queue) >= b.config.QueueLimit {
		b.qmu.Unlock()
		b.dropped.Add(1)
		return domain.NewError(domain.CodeShutdown, "Bus.Publish", "event queue full (%d)", b.config.QueueLimit)
	}
	event.Sequence = b.seq.Add(1)
	b.queue = append(b.queue, pending{ctx: context.WithoutCancel(ctx), event: event})
	b.published.Add(1)
	if b.draining {
		b.qmu.Unlock()
		return nil
	}
	b.draining = true
	b.qmu.Unlock()

	b.drain()
	return nil
}

func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.qmu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = pending{}
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.dispatch(next.ctx, next.event)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	snapshot := make([]*Subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.wants(event.Type) {
			continue
		}
		b.deliver(ctx, sub, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, event domain.Event) {
	if sub.handler == nil {
		b.offer(sub, event)
		return
	}
	var err error
	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		// re-checked per attempt so an unsubscribe stops redelivery too
		if !sub.active.Load() {
			return
		}
		if err = b.invoke(ctx, sub, event); err == nil {
			b.delivered.Add(1)
			return
		}
		if attempt < b.config.MaxAttempts {
			b.retried.Add(1)
			if b.config.RetryBackoff > 0 {
				time.Sleep(b.config.RetryBackoff * time.Duration(attempt))
			}
		}
	}
	b.dropped.Add(1)
	b.logger.Warn("event delivery failed",
		zap.Uint64("subscription", sub.id),
		zap.String("type", string(event.Type)),
		zap.Uint64("sequence", event.Sequence),
		zap.Int("attempts", b.config.MaxAttempts),
		zap.Error(err))
}

// offer hands event to a channel subscriber without waiting
func (b *Bus) offer(sub *Subscription, event domain.Event) {
	sub.chMu.RLock()
	defer sub.chMu.RUnlock()
	if sub.ch == nil {
		return
	}
	select {
	case sub.ch <- event:
		b.delivered.Add(1)
	default:
		b.dropped.Add(1)
		if sub.dropped.Add(1) == 1 {
			b.logger.Warn("channel subscriber lagging, dropping events",
				zap.Uint64("subscription", sub.id),
				zap.Uint64("sequence", event.Sequence))
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// Close rejects further publishes. Events already queued are still delivered.
func (b *Bus) Close() {
	b.qmu.Lock()
	b.closed = true
	b.qmu.Unlock()
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Retried:     b.retried.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
