// Package snapshot retains the latest monitoring capture for diffing and reads.
package snapshot

import (
	"context"

	"github.com/coachpo/pricemesh/internal/schema"
)

// Store holds the most recent monitoring snapshot. Implementations hand out
// deep copies so callers never share entry state.
type Store interface {
	// Latest returns the retained snapshot, or nil before the first tick.
	Latest(ctx context.Context) (*schema.MonitorSnapshot, error)

	// Swap installs the next snapshot and returns the one it replaced.
	Swap(ctx context.Context, next *schema.MonitorSnapshot) (*schema.MonitorSnapshot, error)

	// Clear drops the retained snapshot.
	Clear(ctx context.Context) error
}
