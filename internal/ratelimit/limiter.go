// Package ratelimit enforces per-source admission control for upstream calls.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits defines admission parameters for a single source.
type Limits struct {
	// MinSpacing is the minimum delay between consecutive calls admitted to
	// the source. Zero disables pacing.
	MinSpacing time.Duration `yaml:"minSpacing"`

	// MaxConcurrent is the maximum number of in-flight calls to the source.
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// DefaultLimits returns the admission parameters applied when a source has no
// explicit configuration.
func DefaultLimits() Limits {
	return Limits{MinSpacing: time.Second, MaxConcurrent: 1}
}

func (l Limits) normalized() Limits {
	if l.MinSpacing < 0 {
		l.MinSpacing = 0
	}
	if l.MaxConcurrent < 1 {
		l.MaxConcurrent = 1
	}
	return l
}

// Stats describes a limiter's configuration and current occupancy.
type Stats struct {
	Source        string
	MinSpacing    time.Duration
	MaxConcurrent int
	InFlight      int
}

// Limiter serializes calls to one source according to its Limits.
type Limiter struct {
	source string
	limits Limits
	pacer  *rate.Limiter
	slots  chan struct{}
}

// NewLimiter builds a limiter for the named source.
func NewLimiter(source string, limits Limits) *Limiter {
	limits = limits.normalized()
	pacing := rate.NewLimiter(rate.Inf, 1)
	if limits.MinSpacing > 0 {
		pacing = rate.NewLimiter(rate.Every(limits.MinSpacing), 1)
	}
	return &Limiter{
		source: source,
		limits: limits,
		pacer:  pacing,
		slots:  make(chan struct{}, limits.MaxConcurrent),
	}
}

// Acquire blocks until a call slot and the pacing interval are both
// available. The returned ticket must be released when the call completes.
func (l *Limiter) Acquire(ctx context.Context) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.pacer.Wait(ctx); err != nil {
		<-l.slots
		return nil, err
	}
	return &Ticket{limiter: l, Waited: time.Since(start)}, nil
}

// Limits returns the normalized admission parameters for the source.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Stats reports the limiter's configuration and current occupancy.
func (l *Limiter) Stats() Stats {
	return Stats{
		Source:        l.source,
		MinSpacing:    l.limits.MinSpacing,
		MaxConcurrent: l.limits.MaxConcurrent,
		InFlight:      len(l.slots),
	}
}

// Ticket represents one admitted call against a source.
type Ticket struct {
	limiter *Limiter
	once    sync.Once

	// Waited records how long admission took.
	Waited time.Duration
}

// Release returns the call slot. Releasing more than once has no effect.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		<-t.limiter.slots
	})
}

// Registry owns one limiter per source name.
type Registry struct {
	mu       sync.Mutex
	defaults Limits
	limiters map[string]*Limiter
}

// NewRegistry builds a registry applying the supplied defaults to sources
// without explicit limits.
func NewRegistry(defaults Limits) *Registry {
	return &Registry{
		defaults: defaults.normalized(),
		limiters: make(map[string]*Limiter),
	}
}

// Configure installs explicit limits for a source, replacing any existing
// limiter.
func (r *Registry) Configure(source string, limits Limits) *Limiter {
	limiter := NewLimiter(source, limits)
	r.mu.Lock()
	r.limiters[source] = limiter
	r.mu.Unlock()
	return limiter
}

// Get returns the limiter for a source, creating one with the registry
// defaults when the source has not been configured.
func (r *Registry) Get(source string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[source]; ok {
		return limiter
	}
	limiter := NewLimiter(source, r.defaults)
	r.limiters[source] = limiter
	return limiter
}

// Snapshot reports stats for every known limiter ordered by source name.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	stats := make([]Stats, 0, len(r.limiters))
	for _, limiter := range r.limiters {
		stats = append(stats, limiter.Stats())
	}
	r.mu.Unlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Source < stats[j].Source })
	return stats
}
