package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
)

// MemoryBus is an in-memory implementation of the event bus. Slow subscribers
// lose their oldest buffered events instead of stalling the publisher.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	metrics *busMetrics
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	bus.metrics = newBusMetrics()
	return bus
}

// Publish fans the event out to all subscribers of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("", errs.KindPermanent, errs.WithOp("eventbus/publish"), errs.WithMessage("event type required"))
	}

	// Snapshot subscribers to avoid holding the lock during delivery.
	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers[evt.Type]))
	for _, sub := range b.subscribers[evt.Type] {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	b.metrics.published(ctx, evt.Type)
	if len(subscribers) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		first error
	)
	workers := b.cfg.FanoutWorkers
	if len(subscribers) < workers {
		workers = len(subscribers)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, sub := range subscribers {
		sub := sub
		p.Go(func() {
			if err := b.deliver(ctx, sub, evt); err != nil {
				errMu.Lock()
				if first == nil {
					first = err
				}
				errMu.Unlock()
			}
		})
	}
	p.Wait()
	return first
}

// Subscribe registers for events of the given type and returns a subscription
// ID and receive channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("", errs.KindPermanent, errs.WithOp("eventbus/subscribe"), errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()
	b.metrics.subscriberDelta(ctx, 1)

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			b.metrics.subscriberDelta(context.Background(), -1)
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
					b.metrics.subscriberDelta(context.Background(), -1)
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	removed := false
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	if removed {
		b.metrics.subscriberDelta(context.Background(), -1)
	}
	sub.close()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Subscriber closed its channel mid-delivery; nothing to deliver to.
			err = nil
		}
	}()
	if sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("", errs.KindTransient, errs.WithOp("eventbus/publish"), errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- evt.Clone():
		return nil
	default:
	}

	// Buffer full: evict the oldest buffered event so the stream keeps moving.
	select {
	case <-sub.ch:
		b.metrics.droppedEvent(ctx, evt.Type)
	default:
	}
	select {
	case sub.ch <- evt.Clone():
	default:
		b.metrics.droppedEvent(ctx, evt.Type)
	}
	return nil
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
