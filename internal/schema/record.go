// Package schema defines the normalized record shapes shared across pricemesh.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
)

// ProductRecord is an immutable snapshot of one observed listing. It is created
// exactly once per successful fetch and never mutated afterwards.
type ProductRecord struct {
	Source       string          `json:"source"`
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	URL          string          `json:"url,omitempty"`
	Rating       *float64        `json:"rating,omitempty"`
	Reviews      *int64          `json:"reviews,omitempty"`
	Availability string          `json:"availability,omitempty"`
	Seller       string          `json:"seller,omitempty"`
	Brand        string          `json:"brand,omitempty"`
	Category     string          `json:"category,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
}

// Validate ensures the record satisfies the capture invariants.
func (r ProductRecord) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return errs.New("", errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("source required"))
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("product id required"))
	}
	if strings.TrimSpace(r.Name) == "" {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("name required"))
	}
	if r.Price.IsNegative() {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("price must not be negative"))
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("currency required"))
	}
	if r.CapturedAt.IsZero() {
		return errs.New(r.Source, errs.KindPermanent, errs.WithOp("schema/product-record"), errs.WithMessage("capture timestamp required"))
	}
	return nil
}

// Hash returns a stable 16-character identity for the listing derived from
// source, product id, and normalized name.
func (r ProductRecord) Hash() string {
	normalized := strings.ToLower(strings.TrimSpace(r.Name))
	sum := sha256.Sum256([]byte(r.Source + ":" + r.ProductID + ":" + normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Clone returns a deep copy of the record.
func (r ProductRecord) Clone() ProductRecord {
	clone := r
	if r.Rating != nil {
		rating := *r.Rating
		clone.Rating = &rating
	}
	if r.Reviews != nil {
		reviews := *r.Reviews
		clone.Reviews = &reviews
	}
	return clone
}

// Failure describes a terminal per-source failure within a round.
type Failure struct {
	Kind  errs.Kind `json:"kind"`
	Cause string    `json:"cause"`
}

// FailureFrom condenses an error into its terminal classification.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: errs.KindOf(err), Cause: err.Error()}
}

// SourceOutcome is the per-source result of one orchestration round. Exactly one
// of Records and Failure is populated.
type SourceOutcome struct {
	Source   string          `json:"source"`
	Records  []ProductRecord `json:"records,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Attempts int             `json:"attempts"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// Succeeded reports whether the source produced records this round. An empty
// record set without a failure still counts as success.
func (o SourceOutcome) Succeeded() bool {
	return o.Failure == nil
}

// AggregateResult maps source identifiers to their outcomes for one round,
// together with round-level metadata. It is read-only once returned.
type AggregateResult struct {
	RoundID        string                   `json:"round_id"`
	Query          string                   `json:"query,omitempty"`
	LimitPerSource int                      `json:"limit_per_source"`
	Outcomes       map[string]SourceOutcome `json:"outcomes"`
	StartedAt      time.Time                `json:"started_at"`
	Duration       time.Duration            `json:"duration"`
}

// FlattenRecords returns all captured records ordered by source identifier so
// consumers never depend on completion order.
func (a *AggregateResult) FlattenRecords() []ProductRecord {
	if a == nil || len(a.Outcomes) == 0 {
		return nil
	}
	names := make([]string, 0, len(a.Outcomes))
	for name := range a.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []ProductRecord
	for _, name := range names {
		out = append(out, a.Outcomes[name].Records...)
	}
	return out
}

// FailedSources returns the terminal failure per source, keyed by identifier.
func (a *AggregateResult) FailedSources() map[string]Failure {
	if a == nil {
		return nil
	}
	out := make(map[string]Failure)
	for name, outcome := range a.Outcomes {
		if outcome.Failure != nil {
			out[name] = *outcome.Failure
		}
	}
	return out
}

// Partial reports whether the round mixed successes and failures.
func (a *AggregateResult) Partial() bool {
	if a == nil {
		return false
	}
	succeeded, failed := 0, 0
	for _, outcome := range a.Outcomes {
		if outcome.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded > 0 && failed > 0
}
