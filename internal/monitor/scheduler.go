// Package monitor repeats reference fetches on a fixed interval and emits
// change events between consecutive snapshots.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/bus/eventbus"
	"github.com/coachpo/pricemesh/internal/clock"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/snapshot"
	"github.com/coachpo/pricemesh/internal/source"
)

const defaultTickInterval = 5 * time.Minute

// ErrAlreadyRunning reports a Start call against a scheduler whose loop is
// still active.
var ErrAlreadyRunning = errors.New("monitor already running")

// Config bounds the monitoring loop.
type Config struct {
	// TickInterval separates the completion of one tick from the start of the
	// next. Ticks never stack.
	TickInterval time.Duration `yaml:"tickInterval"`

	// SignificantPercent marks emitted price changes whose absolute
	// percentage move meets this threshold. Zero or below marks every change
	// significant.
	SignificantPercent float64 `yaml:"significantPercent"`
}

// DefaultConfig returns the monitoring defaults applied when none are
// configured.
func DefaultConfig() Config {
	return Config{TickInterval: defaultTickInterval, SignificantPercent: 5}
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	return c
}

// Fetcher runs one monitoring batch across the configured references.
// Implemented by the conductor.
type Fetcher interface {
	FetchBatch(ctx context.Context, refs []schema.Reference, lookup func(name string) (source.Source, bool)) (*schema.MonitorSnapshot, error)
}

// Status describes the scheduler state for the operational surface.
type Status struct {
	Running    bool          `json:"running"`
	References int           `json:"references"`
	Interval   time.Duration `json:"interval"`
	LastTick   time.Time     `json:"last_tick,omitempty"`
}

// Scheduler drives the monitoring loop: fetch the reference set, diff against
// the previous snapshot, publish events, sleep, repeat. At most one tick is
// ever in flight.
type Scheduler struct {
	cfg     Config
	fetcher Fetcher
	refs    []schema.Reference
	catalog *source.Catalog
	bus     eventbus.Bus
	store   snapshot.Store
	clk     clock.Clock

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastTick time.Time
}

// New constructs a scheduler. A nil clock falls back to the system clock; a
// nil store keeps snapshots in memory.
func New(cfg Config, fetcher Fetcher, refs []schema.Reference, catalog *source.Catalog, bus eventbus.Bus, store snapshot.Store, clk clock.Clock) *Scheduler {
	if store == nil {
		store = snapshot.NewMemoryStore()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		cfg:     cfg.normalized(),
		fetcher: fetcher,
		refs:    append([]schema.Reference(nil), refs...),
		catalog: catalog,
		bus:     bus,
		store:   store,
		clk:     clk,
	}
}

// Start transitions the scheduler to running and begins ticking. The first
// tick runs immediately to establish the baseline snapshot.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.fetcher == nil {
		return errs.New("", errs.KindPermanent, errs.WithOp("monitor/start"), errs.WithMessage("fetcher required"))
	}
	if len(s.refs) == 0 {
		return errs.New("", errs.KindPermanent, errs.WithOp("monitor/start"), errs.WithMessage("no references configured"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errs.New("", errs.KindPermanent, errs.WithOp("monitor/start"), errs.WithCause(ErrAlreadyRunning))
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	observability.Log().Info("monitor started",
		observability.Field{Key: "references", Value: len(s.refs)},
		observability.Field{Key: "interval", Value: s.cfg.TickInterval},
	)
	return nil
}

// Stop cancels the loop and waits for any in-flight tick to finish. Stopping
// an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	observability.Log().Info("monitor stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.running,
		References: len(s.refs),
		Interval:   s.cfg.TickInterval,
		LastTick:   s.lastTick,
	}
}

// References returns the monitored reference set.
func (s *Scheduler) References() []schema.Reference {
	return append([]schema.Reference(nil), s.refs...)
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.cfg.TickInterval):
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	next, err := s.fetcher.FetchBatch(ctx, s.refs, s.lookup)
	if err != nil {
		observability.Log().Error("monitor tick failed",
			observability.Field{Key: "error", Value: err},
		)
		return
	}
	if ctx.Err() != nil {
		// Aborted mid-tick; keep the previous baseline untouched.
		return
	}

	prev, err := s.store.Swap(ctx, next)
	if err != nil {
		observability.Log().Error("monitor snapshot swap failed",
			observability.Field{Key: "error", Value: err},
		)
		return
	}

	events := s.diff(prev, next)
	for _, evt := range events {
		if err := s.bus.Publish(ctx, evt); err != nil {
			observability.Log().Error("monitor event publish failed",
				observability.Field{Key: "event_id", Value: evt.EventID},
				observability.Field{Key: "type", Value: string(evt.Type)},
				observability.Field{Key: "error", Value: err},
			)
		}
	}

	s.mu.Lock()
	s.lastTick = next.TakenAt
	s.mu.Unlock()

	observability.Log().Debug("monitor tick finished",
		observability.Field{Key: "references", Value: len(next.Entries)},
		observability.Field{Key: "events", Value: len(events)},
	)
}

func (s *Scheduler) lookup(name string) (source.Source, bool) {
	if s.catalog == nil {
		return nil, false
	}
	return s.catalog.Get(name)
}

// diff compares consecutive snapshots and derives at most one event per
// reference: a price change when both ticks succeeded with differing prices,
// a degradation when a previously healthy reference failed.
func (s *Scheduler) diff(prev, next *schema.MonitorSnapshot) []*schema.Event {
	if prev == nil || next == nil {
		return nil
	}
	var events []*schema.Event
	for _, ref := range s.refs {
		cur, ok := next.Entries[ref.Name]
		if !ok {
			continue
		}
		before, ok := prev.Entries[ref.Name]
		if !ok {
			continue
		}
		switch {
		case before.Succeeded() && cur.Succeeded():
			if cur.Record.Price.Equal(before.Record.Price) {
				continue
			}
			events = append(events, s.priceChangeEvent(ref.Name, before, cur))
		case before.Succeeded() && !cur.Succeeded():
			events = append(events, s.degradedEvent(ref.Name, cur))
		}
	}
	return events
}

func (s *Scheduler) priceChangeEvent(name string, before, cur schema.SnapshotEntry) *schema.Event {
	oldPrice := before.Record.Price
	newPrice := cur.Record.Price
	percent := schema.PercentChange(oldPrice, newPrice)
	return &schema.Event{
		EventID:   uuid.NewString(),
		Type:      schema.EventTypePriceChange,
		EmittedAt: s.clk.Now().UTC(),
		PriceChange: &schema.PriceChange{
			Reference:   name,
			Source:      cur.Record.Source,
			ProductID:   cur.Record.ProductID,
			Name:        cur.Record.Name,
			OldPrice:    oldPrice,
			NewPrice:    newPrice,
			Delta:       newPrice.Sub(oldPrice),
			Percent:     percent,
			Significant: s.significant(percent),
		},
	}
}

func (s *Scheduler) degradedEvent(name string, cur schema.SnapshotEntry) *schema.Event {
	return &schema.Event{
		EventID:   uuid.NewString(),
		Type:      schema.EventTypeSourceDegraded,
		EmittedAt: s.clk.Now().UTC(),
		Degraded: &schema.SourceDegraded{
			Reference: name,
			Source:    cur.Reference.Source,
			Kind:      cur.Failure.Kind,
			Cause:     cur.Failure.Cause,
			Attempts:  cur.Attempts,
		},
	}
}

func (s *Scheduler) significant(percent decimal.Decimal) bool {
	if s.cfg.SignificantPercent <= 0 {
		return true
	}
	threshold := decimal.NewFromFloat(s.cfg.SignificantPercent)
	return percent.Abs().GreaterThanOrEqual(threshold)
}
