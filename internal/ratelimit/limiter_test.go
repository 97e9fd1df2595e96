package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesConsecutiveAdmissions(t *testing.T) {
	limiter := NewLimiter("demo", Limits{MinSpacing: 30 * time.Millisecond, MaxConcurrent: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		ticket, err := limiter.Acquire(ctx)
		require.NoError(t, err)
		ticket.Release()
	}
	require.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestLimiterCapsConcurrency(t *testing.T) {
	limiter := NewLimiter("demo", Limits{MaxConcurrent: 2})

	first, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	second, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, limiter.Stats().InFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	blocked, err := limiter.Acquire(ctx)
	require.Error(t, err)
	require.Nil(t, blocked)

	first.Release()
	third, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	third.Release()
	second.Release()
	require.Equal(t, 0, limiter.Stats().InFlight)
}

func TestLimiterReleasesSlotWhenPacingAborts(t *testing.T) {
	limiter := NewLimiter("demo", Limits{MinSpacing: 200 * time.Millisecond, MaxConcurrent: 1})

	ticket, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	ticket.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	blocked, err := limiter.Acquire(ctx)
	require.Error(t, err)
	require.Nil(t, blocked)
	require.Equal(t, 0, limiter.Stats().InFlight)

	replacement, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	replacement.Release()
}

func TestTicketReleaseIdempotent(t *testing.T) {
	limiter := NewLimiter("demo", Limits{MaxConcurrent: 1})

	ticket, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	ticket.Release()
	ticket.Release()
	require.Equal(t, 0, limiter.Stats().InFlight)

	next, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, limiter.Stats().InFlight)
	next.Release()
}

func TestLimitsNormalization(t *testing.T) {
	limiter := NewLimiter("demo", Limits{MinSpacing: -time.Second})
	require.Equal(t, time.Duration(0), limiter.Limits().MinSpacing)
	require.Equal(t, 1, limiter.Limits().MaxConcurrent)
}

func TestRegistryAppliesDefaultsAndOverrides(t *testing.T) {
	registry := NewRegistry(Limits{MinSpacing: 10 * time.Millisecond, MaxConcurrent: 3})

	defaulted := registry.Get("amazon")
	require.Equal(t, 3, defaulted.Limits().MaxConcurrent)
	require.Same(t, defaulted, registry.Get("amazon"))

	configured := registry.Configure("ebay", Limits{MinSpacing: 5 * time.Millisecond, MaxConcurrent: 1})
	require.Same(t, configured, registry.Get("ebay"))

	stats := registry.Snapshot()
	require.Len(t, stats, 2)
	require.Equal(t, "amazon", stats[0].Source)
	require.Equal(t, "ebay", stats[1].Source)
}
