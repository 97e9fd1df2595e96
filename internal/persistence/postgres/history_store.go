package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pricemesh/internal/persistence"
	"github.com/coachpo/pricemesh/internal/schema"
)

// HistoryStore persists collection rounds and monitor captures.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore constructs a HistoryStore backed by the provided pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const (
	productUpsertSQL = `
INSERT INTO products (
    source,
    product_id,
    name,
    url,
    brand,
    category,
    seller,
    created_at,
    updated_at
)
VALUES (
    @source,
    @product_id,
    @name,
    @url,
    @brand,
    @category,
    @seller,
    NOW(),
    NOW()
)
ON CONFLICT (source, product_id) DO UPDATE SET
    name = EXCLUDED.name,
    url = EXCLUDED.url,
    brand = EXCLUDED.brand,
    category = EXCLUDED.category,
    seller = EXCLUDED.seller,
    updated_at = NOW()
RETURNING id;
`

	pricePointInsertSQL = `
INSERT INTO price_points (
    product_id,
    round_id,
    price,
    currency,
    availability,
    rating,
    reviews,
    captured_at,
    created_at
)
VALUES (
    @product_id,
    @round_id,
    @price,
    @currency,
    @availability,
    @rating,
    @reviews,
    @captured_at,
    NOW()
);
`

	roundInsertSQL = `
INSERT INTO collection_rounds (
    id,
    query,
    limit_per_source,
    started_at,
    duration_ms,
    partial,
    created_at
)
VALUES (
    @id,
    @query,
    @limit_per_source,
    @started_at,
    @duration_ms,
    @partial,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	outcomeUpsertSQL = `
INSERT INTO round_outcomes (
    round_id,
    source,
    records,
    attempts,
    elapsed_ms,
    failure_kind,
    failure_cause
)
VALUES (
    @round_id,
    @source,
    @records,
    @attempts,
    @elapsed_ms,
    @failure_kind,
    @failure_cause
)
ON CONFLICT (round_id, source) DO UPDATE SET
    records = EXCLUDED.records,
    attempts = EXCLUDED.attempts,
    elapsed_ms = EXCLUDED.elapsed_ms,
    failure_kind = EXCLUDED.failure_kind,
    failure_cause = EXCLUDED.failure_cause;
`

	historySelectSQL = `
SELECT
    pp.price::text,
    pp.currency,
    pp.availability,
    pp.rating,
    pp.reviews,
    pp.captured_at,
    COALESCE(pp.round_id::text, '')
FROM price_points pp
JOIN products p ON p.id = pp.product_id
WHERE p.source = $1 AND p.product_id = $2
ORDER BY pp.captured_at DESC
LIMIT $3;
`

	roundsSelectSQL = `
SELECT
    id::text,
    query,
    limit_per_source,
    started_at,
    duration_ms,
    partial
FROM collection_rounds
ORDER BY started_at DESC
LIMIT $1;
`

	outcomesSelectSQL = `
SELECT
    round_id::text,
    source,
    records,
    attempts,
    elapsed_ms,
    COALESCE(failure_kind, ''),
    COALESCE(failure_cause, '')
FROM round_outcomes
WHERE round_id = ANY($1::uuid[])
ORDER BY round_id, source;
`

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultRoundLimit   = 20
	maxRoundLimit       = 200
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *HistoryStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("history store: nil pool")
	}
	return s.pool, nil
}

// SaveRound persists a completed round with its outcomes and records.
func (s *HistoryStore) SaveRound(ctx context.Context, result *schema.AggregateResult) error {
	if result == nil || strings.TrimSpace(result.RoundID) == "" {
		return fmt.Errorf("history store: round id required")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		args := pgx.NamedArgs{
			"id":               result.RoundID,
			"query":            result.Query,
			"limit_per_source": result.LimitPerSource,
			"started_at":       result.StartedAt,
			"duration_ms":      result.Duration.Milliseconds(),
			"partial":          result.Partial(),
		}
		if _, err := tx.Exec(ctx, roundInsertSQL, args); err != nil {
			return fmt.Errorf("history store: insert round: %w", err)
		}

		names := make([]string, 0, len(result.Outcomes))
		for name := range result.Outcomes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			outcome := result.Outcomes[name]
			if err := s.storeOutcome(ctx, tx, result.RoundID, outcome); err != nil {
				return err
			}
			for _, record := range outcome.Records {
				rowID, err := s.upsertProduct(ctx, tx, record)
				if err != nil {
					return err
				}
				if err := s.insertPricePoint(ctx, tx, rowID, record, result.RoundID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SaveSnapshot persists the successful captures of a monitor tick. Failed
// entries carry no record and are skipped.
func (s *HistoryStore) SaveSnapshot(ctx context.Context, snap *schema.MonitorSnapshot) error {
	if snap == nil || len(snap.Entries) == 0 {
		return nil
	}
	names := make([]string, 0, len(snap.Entries))
	for name := range snap.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, name := range names {
			entry := snap.Entries[name]
			if !entry.Succeeded() {
				continue
			}
			rowID, err := s.upsertProduct(ctx, tx, *entry.Record)
			if err != nil {
				return err
			}
			if err := s.insertPricePoint(ctx, tx, rowID, *entry.Record, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// PriceHistory returns stored observations for one product, newest first.
func (s *HistoryStore) PriceHistory(ctx context.Context, source, productID string, limit int) ([]persistence.PricePoint, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	source = strings.ToLower(strings.TrimSpace(source))
	productID = strings.TrimSpace(productID)
	if source == "" || productID == "" {
		return nil, fmt.Errorf("history store: source and product id required")
	}
	limit = clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)

	rows, err := pool.Query(ctx, historySelectSQL, source, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: list history: %w", err)
	}
	defer rows.Close()

	var points []persistence.PricePoint
	for rows.Next() {
		var (
			priceText    string
			currency     string
			availability string
			rating       sql.NullFloat64
			reviews      sql.NullInt64
			capturedAt   time.Time
			roundID      string
		)
		if err := rows.Scan(&priceText, &currency, &availability, &rating, &reviews, &capturedAt, &roundID); err != nil {
			return nil, fmt.Errorf("history store: scan point: %w", err)
		}
		price, err := decimalFromText(priceText)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		point := persistence.PricePoint{
			Price:        price,
			Currency:     currency,
			Availability: availability,
			CapturedAt:   capturedAt,
			RoundID:      roundID,
		}
		if rating.Valid {
			value := rating.Float64
			point.Rating = &value
		}
		if reviews.Valid {
			value := reviews.Int64
			point.Reviews = &value
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: iterate history: %w", err)
	}
	return points, nil
}

// RecentRounds returns recently completed rounds with their outcomes, newest
// first.
func (s *HistoryStore) RecentRounds(ctx context.Context, limit int) ([]persistence.RoundSummary, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultRoundLimit, maxRoundLimit)

	rows, err := pool.Query(ctx, roundsSelectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: list rounds: %w", err)
	}
	defer rows.Close()

	var summaries []persistence.RoundSummary
	index := make(map[string]int)
	for rows.Next() {
		var (
			roundID        string
			query          string
			limitPerSource int
			startedAt      time.Time
			durationMillis int64
			partial        bool
		)
		if err := rows.Scan(&roundID, &query, &limitPerSource, &startedAt, &durationMillis, &partial); err != nil {
			return nil, fmt.Errorf("history store: scan round: %w", err)
		}
		index[roundID] = len(summaries)
		summaries = append(summaries, persistence.RoundSummary{
			RoundID:        roundID,
			Query:          query,
			LimitPerSource: limitPerSource,
			StartedAt:      startedAt,
			Duration:       time.Duration(durationMillis) * time.Millisecond,
			Partial:        partial,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: iterate rounds: %w", err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.RoundID)
	}
	outcomeRows, err := pool.Query(ctx, outcomesSelectSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("history store: list outcomes: %w", err)
	}
	defer outcomeRows.Close()

	for outcomeRows.Next() {
		var (
			roundID       string
			sourceName    string
			records       int
			attempts      int
			elapsedMillis int64
			failureKind   string
			failureCause  string
		)
		if err := outcomeRows.Scan(&roundID, &sourceName, &records, &attempts, &elapsedMillis, &failureKind, &failureCause); err != nil {
			return nil, fmt.Errorf("history store: scan outcome: %w", err)
		}
		pos, ok := index[roundID]
		if !ok {
			continue
		}
		summaries[pos].Outcomes = append(summaries[pos].Outcomes, persistence.OutcomeSummary{
			Source:       sourceName,
			Records:      records,
			Attempts:     attempts,
			Elapsed:      time.Duration(elapsedMillis) * time.Millisecond,
			FailureKind:  failureKind,
			FailureCause: failureCause,
		})
	}
	if err := outcomeRows.Err(); err != nil {
		return nil, fmt.Errorf("history store: iterate outcomes: %w", err)
	}
	return summaries, nil
}

func (s *HistoryStore) upsertProduct(ctx context.Context, exec execer, record schema.ProductRecord) (int64, error) {
	args := pgx.NamedArgs{
		"source":     strings.ToLower(strings.TrimSpace(record.Source)),
		"product_id": strings.TrimSpace(record.ProductID),
		"name":       record.Name,
		"url":        record.URL,
		"brand":      record.Brand,
		"category":   record.Category,
		"seller":     record.Seller,
	}
	var rowID int64
	if err := exec.QueryRow(ctx, productUpsertSQL, args).Scan(&rowID); err != nil {
		return 0, fmt.Errorf("history store: upsert product: %w", err)
	}
	return rowID, nil
}

func (s *HistoryStore) insertPricePoint(ctx context.Context, exec execer, productRowID int64, record schema.ProductRecord, roundID string) error {
	price, err := numericFromDecimal(record.Price)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	args := pgx.NamedArgs{
		"product_id":   productRowID,
		"round_id":     nullableString(roundID),
		"price":        price,
		"currency":     record.Currency,
		"availability": record.Availability,
		"rating":       nullableFloat64(record.Rating),
		"reviews":      nullableInt64(record.Reviews),
		"captured_at":  record.CapturedAt,
	}
	if _, err := exec.Exec(ctx, pricePointInsertSQL, args); err != nil {
		return fmt.Errorf("history store: insert price point: %w", err)
	}
	return nil
}

func (s *HistoryStore) storeOutcome(ctx context.Context, exec execer, roundID string, outcome schema.SourceOutcome) error {
	var failureKind, failureCause any
	if outcome.Failure != nil {
		failureKind = string(outcome.Failure.Kind)
		failureCause = outcome.Failure.Cause
	}
	args := pgx.NamedArgs{
		"round_id":      roundID,
		"source":        outcome.Source,
		"records":       len(outcome.Records),
		"attempts":      outcome.Attempts,
		"elapsed_ms":    outcome.Elapsed.Milliseconds(),
		"failure_kind":  failureKind,
		"failure_cause": failureCause,
	}
	if _, err := exec.Exec(ctx, outcomeUpsertSQL, args); err != nil {
		return fmt.Errorf("history store: upsert outcome: %w", err)
	}
	return nil
}

func (s *HistoryStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("history store: begin tx: %w", err)
	}
	if runErr := fn(tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("history store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("history store: commit tx: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableFloat64(ptr *float64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func nullableInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
