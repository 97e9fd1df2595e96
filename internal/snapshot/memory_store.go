package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/pricemesh/internal/schema"
)

// MemoryStore is the in-memory Store used by the monitor. Only the latest
// snapshot is retained; history belongs to the persistence layer.
type MemoryStore struct {
	mu     sync.RWMutex
	latest *schema.MonitorSnapshot
}

// NewMemoryStore creates an empty snapshot store.
func NewMemoryStore() *MemoryStore {
	return new(MemoryStore)
}

// Latest returns a copy of the retained snapshot, or nil before the first
// tick has completed.
func (s *MemoryStore) Latest(ctx context.Context) (*schema.MonitorSnapshot, error) {
	if err := ctxErr(ctx, "latest"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.Clone(), nil
}

// Swap installs next and returns the previously retained snapshot. The
// returned snapshot is owned by the caller.
func (s *MemoryStore) Swap(ctx context.Context, next *schema.MonitorSnapshot) (*schema.MonitorSnapshot, error) {
	if err := ctxErr(ctx, "swap"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.latest
	s.latest = next.Clone()
	return prev, nil
}

// Clear drops the retained snapshot.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctxErr(ctx, "clear"); err != nil {
		return err
	}
	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
	return nil
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("snapshot store %s: %w", op, ctx.Err())
	default:
		return nil
	}
}
