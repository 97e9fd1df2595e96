package persistence

import (
	"context"

	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/snapshot"
)

// TapSnapshots wraps a snapshot store so every installed snapshot is also
// recorded in the history store. Storage failures are logged, never returned,
// so a database outage cannot stall the monitoring loop.
func TapSnapshots(store snapshot.Store, history HistoryStore) snapshot.Store {
	if history == nil {
		return store
	}
	return &tappedStore{Store: store, history: history}
}

type tappedStore struct {
	snapshot.Store
	history HistoryStore
}

func (t *tappedStore) Swap(ctx context.Context, next *schema.MonitorSnapshot) (*schema.MonitorSnapshot, error) {
	prev, err := t.Store.Swap(ctx, next)
	if err != nil {
		return prev, err
	}
	if err := t.history.SaveSnapshot(ctx, next); err != nil {
		observability.Log().Error("snapshot persist failed",
			observability.Field{Key: "error", Value: err},
		)
	}
	return prev, nil
}
