package kafka

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricemesh/internal/bus/eventbus"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/schema"
)

// Relay subscribes to the event bus and forwards monitor events to the
// publisher. Events the publisher rejects are parked in the dead letter
// queue.
type Relay struct {
	bus       eventbus.Bus
	publisher Publisher
	dlq       *DeadLetterQueue
}

type relaySubscription struct {
	id eventbus.SubscriptionID
	ch <-chan *schema.Event
}

// NewRelay constructs a relay between the bus and the publisher.
func NewRelay(bus eventbus.Bus, publisher Publisher, dlq *DeadLetterQueue) *Relay {
	if dlq == nil {
		dlq = NewDeadLetterQueue(256)
	}
	return &Relay{bus: bus, publisher: publisher, dlq: dlq}
}

// Undelivered drains the events that could not be published.
func (r *Relay) Undelivered() []*schema.Event {
	return r.dlq.Drain()
}

// Run forwards events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	types := []schema.EventType{schema.EventTypePriceChange, schema.EventTypeSourceDegraded}
	subs := make([]relaySubscription, 0, len(types))
	for _, typ := range types {
		id, ch, err := r.bus.Subscribe(ctx, typ)
		if err != nil {
			for _, existing := range subs {
				r.bus.Unsubscribe(existing.id)
			}
			return err
		}
		subs = append(subs, relaySubscription{id: id, ch: ch})
	}

	var wg conc.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.ch:
					if !ok {
						return
					}
					if evt == nil {
						continue
					}
					r.forward(ctx, evt)
				}
			}
		})
	}

	<-ctx.Done()
	for _, sub := range subs {
		r.bus.Unsubscribe(sub.id)
	}
	wg.Wait()

	if parked := r.dlq.Len(); parked > 0 {
		observability.Log().Error("relay shut down with undelivered events",
			observability.Field{Key: "count", Value: parked},
		)
	}
	return nil
}

func (r *Relay) forward(ctx context.Context, evt *schema.Event) {
	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.dlq.Offer(evt)
		observability.Log().Error("event publish failed",
			observability.Field{Key: "event_id", Value: evt.EventID},
			observability.Field{Key: "type", Value: string(evt.Type)},
			observability.Field{Key: "error", Value: err},
		)
	}
}
