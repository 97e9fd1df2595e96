package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
)

// Reference names one monitored listing: a source identifier plus the
// source-native reference (URL or bare id) it is fetched by.
type Reference struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`
	Ref    string `json:"ref" yaml:"ref"`
}

// Validate ensures the reference can be dispatched to a source.
func (r Reference) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/reference"), errs.WithMessage("reference name required"))
	}
	if strings.TrimSpace(r.Source) == "" {
		return errs.New("", errs.KindPermanent, errs.WithOp("schema/reference"), errs.WithMessage("reference source required"))
	}
	if strings.TrimSpace(r.Ref) == "" {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/reference"), errs.WithMessage("reference value required"))
	}
	return nil
}

// SnapshotEntry is the per-reference result of one monitoring tick.
type SnapshotEntry struct {
	Reference Reference      `json:"reference"`
	Record    *ProductRecord `json:"record,omitempty"`
	Failure   *Failure       `json:"failure,omitempty"`
	Attempts  int            `json:"attempts"`
}

// Succeeded reports whether the tick captured a record for this reference.
func (e SnapshotEntry) Succeeded() bool {
	return e.Failure == nil && e.Record != nil
}

// MonitorSnapshot maps reference names to their captured state at one tick.
// Snapshots are diffed pairwise; only the latest one needs to be retained.
type MonitorSnapshot struct {
	TakenAt time.Time                `json:"taken_at"`
	Entries map[string]SnapshotEntry `json:"entries"`
}

// Clone returns a deep copy of the snapshot.
func (s *MonitorSnapshot) Clone() *MonitorSnapshot {
	if s == nil {
		return nil
	}
	clone := &MonitorSnapshot{
		TakenAt: s.TakenAt,
		Entries: make(map[string]SnapshotEntry, len(s.Entries)),
	}
	for name, entry := range s.Entries {
		copied := entry
		if entry.Record != nil {
			record := entry.Record.Clone()
			copied.Record = &record
		}
		if entry.Failure != nil {
			failure := *entry.Failure
			copied.Failure = &failure
		}
		clone.Entries[name] = copied
	}
	return clone
}

// EventType identifies monitor event categories.
type EventType string

const (
	// EventTypePriceChange marks a price delta between consecutive ticks.
	EventTypePriceChange EventType = "price.change"
	// EventTypeSourceDegraded marks a reference that failed after succeeding.
	EventTypeSourceDegraded EventType = "source.degraded"
)

// Event is a typed monitor notification delivered over the event bus.
type Event struct {
	EventID     string          `json:"event_id"`
	Type        EventType       `json:"type"`
	EmittedAt   time.Time       `json:"emitted_at"`
	PriceChange *PriceChange    `json:"price_change,omitempty"`
	Degraded    *SourceDegraded `json:"source_degraded,omitempty"`
}

// Clone returns a deep copy of the event so subscribers never share payloads.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.PriceChange != nil {
		change := *e.PriceChange
		clone.PriceChange = &change
	}
	if e.Degraded != nil {
		degraded := *e.Degraded
		clone.Degraded = &degraded
	}
	return &clone
}

// PriceChange reports a listing whose price differed between two consecutive
// successful captures.
type PriceChange struct {
	Reference   string          `json:"reference"`
	Source      string          `json:"source"`
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	OldPrice    decimal.Decimal `json:"old_price"`
	NewPrice    decimal.Decimal `json:"new_price"`
	Delta       decimal.Decimal `json:"delta"`
	Percent     decimal.Decimal `json:"percent"`
	Significant bool            `json:"significant"`
}

// SourceDegraded reports a reference that failed in the current tick after
// succeeding in the previous one.
type SourceDegraded struct {
	Reference string    `json:"reference"`
	Source    string    `json:"source"`
	Kind      errs.Kind `json:"kind"`
	Cause     string    `json:"cause"`
	Attempts  int       `json:"attempts"`
}

var oneHundred = decimal.NewFromInt(100)

// PercentChange computes the relative price move in percent. A zero base maps
// to 100 when the new price is positive and 0 otherwise.
func PercentChange(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		if newPrice.IsPositive() {
			return oneHundred
		}
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(oneHundred)
}
