// Package conductor coordinates collection rounds across configured sources.
// One round fans out concurrently, but each source's attempts stay strictly
// sequential behind its own admission budget.
package conductor

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/retry"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/source"
)

const (
	defaultCallTimeout    = 15 * time.Second
	defaultLimitPerSource = 10
)

// Config bounds one orchestration round.
type Config struct {
	// CallTimeout caps each individual source call. Expiry counts as a
	// transient failure against the attempt budget.
	CallTimeout time.Duration `yaml:"callTimeout"`

	// MaxParallel caps concurrently executing sources within one round. Zero
	// means GOMAXPROCS.
	MaxParallel int `yaml:"maxParallel"`
}

// DefaultConfig returns the round bounds applied when none are configured.
func DefaultConfig() Config {
	return Config{CallTimeout: defaultCallTimeout, MaxParallel: 0}
}

func (c Config) normalized() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = runtime.GOMAXPROCS(0)
	}
	return c
}

// Orchestrator fans a query or a monitoring batch out across sources under
// per-source admission, per-attempt timeouts, and centralized retry. A single
// source's failure never fails the round.
type Orchestrator struct {
	cfg      Config
	limits   *ratelimit.Registry
	policy   retry.Policy
	counters *observability.RuntimeMetrics
	metrics  *roundMetrics
}

// New constructs an orchestrator. A nil registry or counter set is replaced
// with defaults so tests can build bare instances.
func New(cfg Config, limits *ratelimit.Registry, policy retry.Policy, counters *observability.RuntimeMetrics) *Orchestrator {
	if limits == nil {
		limits = ratelimit.NewRegistry(ratelimit.DefaultLimits())
	}
	if counters == nil {
		counters = observability.NewRuntimeMetrics()
	}
	return &Orchestrator{
		cfg:      cfg.normalized(),
		limits:   limits,
		policy:   policy,
		counters: counters,
		metrics:  newRoundMetrics(),
	}
}

// Collect runs one Search round across the given sources and returns exactly
// one outcome per source. Partial results are always returned; the call itself
// fails only when it cannot be dispatched at all.
func (o *Orchestrator) Collect(ctx context.Context, query string, sources []source.Source, limitPerSource int) (*schema.AggregateResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("conductor/collect"), errs.WithMessage("empty query"))
	}
	if len(sources) == 0 {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("conductor/collect"), errs.WithMessage("no sources configured"))
	}
	if limitPerSource <= 0 {
		limitPerSource = defaultLimitPerSource
	}

	start := time.Now()
	result := &schema.AggregateResult{
		RoundID:        uuid.NewString(),
		Query:          query,
		LimitPerSource: limitPerSource,
		Outcomes:       make(map[string]schema.SourceOutcome, len(sources)),
		StartedAt:      start.UTC(),
		Duration:       0,
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(o.workers(len(sources)))
	for _, src := range sources {
		src := src
		p.Go(func() {
			outcome := o.guardedCall(ctx, src.Name(), "search", func(callCtx context.Context) ([]schema.ProductRecord, error) {
				return src.Search(callCtx, query, limitPerSource)
			})
			if len(outcome.Records) > limitPerSource {
				outcome.Records = outcome.Records[:limitPerSource]
			}
			mu.Lock()
			result.Outcomes[src.Name()] = outcome
			mu.Unlock()
		})
	}
	p.Wait()
	result.Duration = time.Since(start)

	o.metrics.observeRound(ctx, result)
	observability.Log().Info("collection round finished",
		observability.Field{Key: "round_id", Value: result.RoundID},
		observability.Field{Key: "query", Value: query},
		observability.Field{Key: "sources", Value: len(sources)},
		observability.Field{Key: "records", Value: len(result.FlattenRecords())},
		observability.Field{Key: "failed", Value: len(result.FailedSources())},
		observability.Field{Key: "duration", Value: result.Duration},
	)
	return result, nil
}

// FetchBatch fetches every monitored reference and assembles a snapshot keyed
// by reference name. References naming an unknown source fail permanent
// without touching any admission budget.
func (o *Orchestrator) FetchBatch(ctx context.Context, refs []schema.Reference, lookup func(name string) (source.Source, bool)) (*schema.MonitorSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(refs) == 0 {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("conductor/fetch-batch"), errs.WithMessage("no references configured"))
	}
	if lookup == nil {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("conductor/fetch-batch"), errs.WithMessage("source lookup required"))
	}

	start := time.Now()
	snapshot := &schema.MonitorSnapshot{
		TakenAt: start.UTC(),
		Entries: make(map[string]schema.SnapshotEntry, len(refs)),
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(o.workers(len(refs)))
	for _, ref := range refs {
		ref := ref
		p.Go(func() {
			entry := schema.SnapshotEntry{Reference: ref, Record: nil, Failure: nil, Attempts: 0}
			if src, ok := lookup(ref.Source); ok {
				outcome := o.guardedCall(ctx, src.Name(), "fetch", func(callCtx context.Context) ([]schema.ProductRecord, error) {
					record, err := src.FetchByReference(callCtx, ref.Ref)
					if err != nil {
						return nil, err
					}
					return []schema.ProductRecord{*record}, nil
				})
				entry.Attempts = outcome.Attempts
				if outcome.Failure != nil {
					entry.Failure = outcome.Failure
				} else if len(outcome.Records) > 0 {
					record := outcome.Records[0]
					entry.Record = &record
				}
			} else {
				entry.Failure = schema.FailureFrom(errs.New(ref.Source, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("unknown source")))
			}
			mu.Lock()
			snapshot.Entries[ref.Name] = entry
			mu.Unlock()
		})
	}
	p.Wait()
	return snapshot, nil
}

type fetchFunc func(ctx context.Context) ([]schema.ProductRecord, error)

// guardedCall runs one source operation through admission, a per-attempt
// timeout, and the retry sequence until success or terminal failure.
func (o *Orchestrator) guardedCall(ctx context.Context, name, op string, call fetchFunc) schema.SourceOutcome {
	start := time.Now()
	seq := o.policy.Start()
	limiter := o.limits.Get(name)

	var (
		records []schema.ProductRecord
		failure *errs.E
	)

	for {
		seq.Begin()

		ticket, err := limiter.Acquire(ctx)
		if err != nil {
			failure = errs.Classify(name, op, err)
			break
		}
		o.counters.AddThrottleMilliseconds(name, ticket.Waited.Milliseconds())
		o.counters.IncrementRequests(name)
		o.metrics.observeAdmissionWait(ctx, name, ticket.Waited)

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		out, callErr := call(callCtx)
		cancel()
		ticket.Release()

		if callErr == nil {
			records = out
			failure = nil
			o.metrics.observeAttempt(ctx, name, op, "success")
			break
		}

		failure = errs.Classify(name, op, callErr)
		o.metrics.observeAttempt(ctx, name, op, string(failure.Kind))

		decision := seq.Next(failure)
		if !decision.Retry {
			break
		}
		o.counters.IncrementRetries(name)

		select {
		case <-ctx.Done():
			failure = errs.Classify(name, op, ctx.Err())
		case <-time.After(decision.Delay):
			continue
		}
		break
	}

	outcome := schema.SourceOutcome{
		Source:   name,
		Records:  nil,
		Failure:  nil,
		Attempts: seq.Attempts(),
		Elapsed:  time.Since(start),
	}
	if failure != nil {
		outcome.Failure = schema.FailureFrom(failure)
		o.counters.IncrementFailures(name)
		observability.Log().Error("source call failed",
			observability.Field{Key: "source", Value: name},
			observability.Field{Key: "op", Value: op},
			observability.Field{Key: "kind", Value: string(outcome.Failure.Kind)},
			observability.Field{Key: "attempts", Value: outcome.Attempts},
			observability.Field{Key: "cause", Value: outcome.Failure.Cause},
		)
	} else {
		outcome.Records = records
	}
	o.metrics.observeSource(ctx, name, op, outcome)
	return outcome
}

func (o *Orchestrator) workers(n int) int {
	if o.cfg.MaxParallel < n {
		return o.cfg.MaxParallel
	}
	return n
}
