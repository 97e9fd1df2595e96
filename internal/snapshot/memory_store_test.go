package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricemesh/internal/schema"
)

func sampleSnapshot(takenAt time.Time, price int64) *schema.MonitorSnapshot {
	record := schema.ProductRecord{
		Source:     "alpha",
		ProductID:  "alpha-001",
		Name:       "Widget",
		Price:      decimal.NewFromInt(price),
		Currency:   "USD",
		CapturedAt: takenAt,
	}
	return &schema.MonitorSnapshot{
		TakenAt: takenAt,
		Entries: map[string]schema.SnapshotEntry{
			"widget": {
				Reference: schema.Reference{Name: "widget", Source: "alpha", Ref: "alpha-001"},
				Record:    &record,
				Attempts:  1,
			},
		},
	}
}

func TestMemoryStoreEmptyLatest(t *testing.T) {
	store := NewMemoryStore()
	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestMemoryStoreSwapReturnsPrevious(t *testing.T) {
	store := NewMemoryStore()
	first := sampleSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 25)
	second := sampleSnapshot(time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), 30)

	prev, err := store.Swap(context.Background(), first)
	require.NoError(t, err)
	require.Nil(t, prev)

	prev, err = store.Swap(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, first.TakenAt, prev.TakenAt)

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, second.TakenAt, latest.TakenAt)
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	store := NewMemoryStore()
	original := sampleSnapshot(time.Now().UTC(), 25)
	_, err := store.Swap(context.Background(), original)
	require.NoError(t, err)

	tampered, err := store.Latest(context.Background())
	require.NoError(t, err)
	tampered.Entries["widget"].Record.Name = "Tampered"
	delete(tampered.Entries, "widget")

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, latest.Entries, 1)
	require.Equal(t, "Widget", latest.Entries["widget"].Record.Name)
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Swap(context.Background(), sampleSnapshot(time.Now().UTC(), 25))
	require.NoError(t, err)

	require.NoError(t, store.Clear(context.Background()))
	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Latest(ctx)
	require.Error(t, err)
	_, err = store.Swap(ctx, sampleSnapshot(time.Now().UTC(), 25))
	require.Error(t, err)
	require.Error(t, store.Clear(ctx))
}
