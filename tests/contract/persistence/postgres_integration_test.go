package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/pricemesh/errs"
	pgstore "github.com/coachpo/pricemesh/internal/persistence/postgres"
	"github.com/coachpo/pricemesh/internal/schema"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "pricemesh"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/pricemesh?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func TestPostgresHistoryStore(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewHistoryStore(testPool)

	base := time.Now().UTC().Truncate(time.Millisecond)
	firstRound := uuid.NewString()
	secondRound := uuid.NewString()

	keyboard := schema.ProductRecord{
		Source:       "alpha",
		ProductID:    "KB-100",
		Name:         "Mechanical Keyboard",
		Price:        decimal.RequireFromString("129.99"),
		Currency:     "USD",
		URL:          "https://alpha.example/listing/KB-100",
		Rating:       ptrFloat64(4.6),
		Reviews:      ptrInt64(812),
		Availability: "in_stock",
		Seller:       "Alpha Direct",
		Brand:        "Clack",
		Category:     "peripherals",
		CapturedAt:   base.Add(-time.Minute),
	}
	mouse := schema.ProductRecord{
		Source:     "alpha",
		ProductID:  "MS-200",
		Name:       "Wireless Mouse",
		Price:      decimal.RequireFromString("59.90"),
		Currency:   "USD",
		URL:        "https://alpha.example/listing/MS-200",
		CapturedAt: base.Add(-time.Minute),
	}

	first := &schema.AggregateResult{
		RoundID:        firstRound,
		Query:          "mechanical keyboard",
		LimitPerSource: 5,
		StartedAt:      base.Add(-2 * time.Minute),
		Duration:       1400 * time.Millisecond,
		Outcomes: map[string]schema.SourceOutcome{
			"alpha": {
				Source:   "alpha",
				Records:  []schema.ProductRecord{keyboard, mouse},
				Attempts: 1,
				Elapsed:  900 * time.Millisecond,
			},
			"beta": {
				Source:   "beta",
				Failure:  &schema.Failure{Kind: errs.KindTransient, Cause: "gateway timeout"},
				Attempts: 3,
				Elapsed:  1400 * time.Millisecond,
			},
		},
	}
	if err := store.SaveRound(ctx, first); err != nil {
		t.Fatalf("save first round: %v", err)
	}

	repriced := keyboard
	repriced.Price = decimal.RequireFromString("119.99")
	repriced.CapturedAt = base
	second := &schema.AggregateResult{
		RoundID:        secondRound,
		Query:          "mechanical keyboard",
		LimitPerSource: 5,
		StartedAt:      base.Add(-time.Minute),
		Duration:       800 * time.Millisecond,
		Outcomes: map[string]schema.SourceOutcome{
			"alpha": {
				Source:   "alpha",
				Records:  []schema.ProductRecord{repriced},
				Attempts: 1,
				Elapsed:  800 * time.Millisecond,
			},
		},
	}
	if err := store.SaveRound(ctx, second); err != nil {
		t.Fatalf("save second round: %v", err)
	}

	points, err := store.PriceHistory(ctx, "alpha", "KB-100", 10)
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 price points, got %d", len(points))
	}
	if !numericEqual(points[0].Price, "119.99") {
		t.Fatalf("expected newest price 119.99, got %s", points[0].Price)
	}
	if points[0].RoundID != secondRound {
		t.Fatalf("expected newest point from round %s, got %s", secondRound, points[0].RoundID)
	}
	if !numericEqual(points[1].Price, "129.99") {
		t.Fatalf("expected older price 129.99, got %s", points[1].Price)
	}
	if points[1].Rating == nil || *points[1].Rating != 4.6 {
		t.Fatalf("expected rating 4.6, got %v", points[1].Rating)
	}
	if points[1].Reviews == nil || *points[1].Reviews != 812 {
		t.Fatalf("expected reviews 812, got %v", points[1].Reviews)
	}
	if !points[1].CapturedAt.Equal(keyboard.CapturedAt) {
		t.Fatalf("expected captured at %v, got %v", keyboard.CapturedAt, points[1].CapturedAt)
	}

	monitored := keyboard
	monitored.Price = decimal.RequireFromString("139.00")
	monitored.CapturedAt = base.Add(time.Minute)
	snap := &schema.MonitorSnapshot{
		TakenAt: base.Add(time.Minute),
		Entries: map[string]schema.SnapshotEntry{
			"keyboard": {
				Reference: schema.Reference{Name: "keyboard", Source: "alpha", Ref: "KB-100"},
				Record:    &monitored,
				Attempts:  1,
			},
			"ghost": {
				Reference: schema.Reference{Name: "ghost", Source: "beta", Ref: "GH-1"},
				Failure:   &schema.Failure{Kind: errs.KindPermanent, Cause: "listing removed"},
				Attempts:  1,
			},
		},
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	points, err = store.PriceHistory(ctx, "alpha", "KB-100", 10)
	if err != nil {
		t.Fatalf("price history after snapshot: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 price points, got %d", len(points))
	}
	if !numericEqual(points[0].Price, "139.00") {
		t.Fatalf("expected monitored price 139.00, got %s", points[0].Price)
	}
	if points[0].RoundID != "" {
		t.Fatalf("expected monitor capture without round, got %s", points[0].RoundID)
	}

	ghosts, err := store.PriceHistory(ctx, "beta", "GH-1", 10)
	if err != nil {
		t.Fatalf("price history for failed capture: %v", err)
	}
	if len(ghosts) != 0 {
		t.Fatalf("expected failed capture to store nothing, got %d points", len(ghosts))
	}

	rounds, err := store.RecentRounds(ctx, 10)
	if err != nil {
		t.Fatalf("recent rounds: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	if rounds[0].RoundID != secondRound {
		t.Fatalf("expected newest round %s first, got %s", secondRound, rounds[0].RoundID)
	}
	if rounds[0].Partial {
		t.Fatalf("expected second round complete")
	}
	if rounds[1].RoundID != firstRound {
		t.Fatalf("expected round %s second, got %s", firstRound, rounds[1].RoundID)
	}
	if !rounds[1].Partial {
		t.Fatalf("expected first round partial")
	}
	if rounds[1].Query != "mechanical keyboard" {
		t.Fatalf("unexpected query %q", rounds[1].Query)
	}
	if rounds[1].Duration != 1400*time.Millisecond {
		t.Fatalf("expected duration 1.4s, got %v", rounds[1].Duration)
	}
	if len(rounds[1].Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(rounds[1].Outcomes))
	}
	alphaOutcome := rounds[1].Outcomes[0]
	if alphaOutcome.Source != "alpha" || alphaOutcome.Records != 2 || alphaOutcome.FailureKind != "" {
		t.Fatalf("unexpected alpha outcome %+v", alphaOutcome)
	}
	betaOutcome := rounds[1].Outcomes[1]
	if betaOutcome.Source != "beta" || betaOutcome.FailureKind != string(errs.KindTransient) {
		t.Fatalf("unexpected beta outcome %+v", betaOutcome)
	}
	if betaOutcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", betaOutcome.Attempts)
	}

	if err := store.SaveRound(ctx, second); err != nil {
		t.Fatalf("resave second round: %v", err)
	}
	rounds, err = store.RecentRounds(ctx, 10)
	if err != nil {
		t.Fatalf("recent rounds after resave: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected resave to upsert, got %d rounds", len(rounds))
	}
}

func ptrFloat64(value float64) *float64 {
	return &value
}

func ptrInt64(value int64) *int64 {
	return &value
}

func numericEqual(got decimal.Decimal, want string) bool {
	expected, err := decimal.NewFromString(strings.TrimSpace(want))
	if err != nil {
		return false
	}
	return got.Equal(expected)
}
