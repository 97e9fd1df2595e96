// Package persistence defines the price history contract implemented by
// database-backed stores in subpackages (e.g. postgres).
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/internal/schema"
)

// PricePoint is one stored observation for a product.
type PricePoint struct {
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	Availability string          `json:"availability,omitempty"`
	Rating       *float64        `json:"rating,omitempty"`
	Reviews      *int64          `json:"reviews,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
	RoundID      string          `json:"round_id,omitempty"`
}

// OutcomeSummary is the stored per-source result of a collection round.
type OutcomeSummary struct {
	Source       string        `json:"source"`
	Records      int           `json:"records"`
	Attempts     int           `json:"attempts"`
	Elapsed      time.Duration `json:"elapsed"`
	FailureKind  string        `json:"failure_kind,omitempty"`
	FailureCause string        `json:"failure_cause,omitempty"`
}

// RoundSummary is the stored round-level view of a collection round.
type RoundSummary struct {
	RoundID        string           `json:"round_id"`
	Query          string           `json:"query,omitempty"`
	LimitPerSource int              `json:"limit_per_source"`
	StartedAt      time.Time        `json:"started_at"`
	Duration       time.Duration    `json:"duration"`
	Partial        bool             `json:"partial"`
	Outcomes       []OutcomeSummary `json:"outcomes"`
}

// HistoryStore records collection rounds and monitor captures and serves
// price history reads.
type HistoryStore interface {
	// SaveRound persists a completed round with its outcomes and records.
	SaveRound(ctx context.Context, result *schema.AggregateResult) error

	// SaveSnapshot persists the successful captures of a monitor tick.
	SaveSnapshot(ctx context.Context, snap *schema.MonitorSnapshot) error

	// PriceHistory returns stored observations for one product, newest first.
	PriceHistory(ctx context.Context, source, productID string, limit int) ([]PricePoint, error)

	// RecentRounds returns recently completed rounds, newest first.
	RecentRounds(ctx context.Context, limit int) ([]RoundSummary, error)
}
