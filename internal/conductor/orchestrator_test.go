package conductor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/retry"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/source"
)

type searchScript func(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error)

// stubSource replays one scripted response per Search call, repeating the
// last script once the list is exhausted.
type stubSource struct {
	name    string
	scripts []searchScript
	fetch   func(ctx context.Context, ref string) (*schema.ProductRecord, error)

	mu    sync.Mutex
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	script := s.scripts[idx]
	s.mu.Unlock()
	return script(ctx, query, limit)
}

func (s *stubSource) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	if s.fetch == nil {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("not scripted"))
	}
	return s.fetch(ctx, ref)
}

func (s *stubSource) ExtractIdentifier(string) string { return "" }

func (s *stubSource) searchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func stubRecords(name string, n int) []schema.ProductRecord {
	out := make([]schema.ProductRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, schema.ProductRecord{
			Source:     name,
			ProductID:  fmt.Sprintf("%s-%03d", name, i+1),
			Name:       fmt.Sprintf("Widget %d", i+1),
			Price:      decimal.NewFromInt(int64(10 + i)),
			Currency:   "USD",
			CapturedAt: time.Now().UTC(),
		})
	}
	return out
}

func returnRecords(name string, n int) searchScript {
	return func(context.Context, string, int) ([]schema.ProductRecord, error) {
		return stubRecords(name, n), nil
	}
}

func returnFailure(err error) searchScript {
	return func(context.Context, string, int) ([]schema.ProductRecord, error) {
		return nil, err
	}
}

// blockUntilDeadline holds the call open until the per-call timeout fires.
func blockUntilDeadline(ctx context.Context, _ string, _ int) ([]schema.ProductRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, errs.New("stub", errs.KindTransient, errs.WithMessage("deadline never fired"))
	}
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Jitter:      0,
	}
}

func openLimits() *ratelimit.Registry {
	return ratelimit.NewRegistry(ratelimit.Limits{MinSpacing: 0, MaxConcurrent: 4})
}

func TestCollectMixedOutcomes(t *testing.T) {
	alpha := &stubSource{name: "alpha", scripts: []searchScript{returnRecords("alpha", 5)}}
	beta := &stubSource{name: "beta", scripts: []searchScript{
		returnFailure(errs.New("beta", errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("query rejected"))),
	}}
	gamma := &stubSource{name: "gamma", scripts: []searchScript{
		blockUntilDeadline,
		blockUntilDeadline,
		returnRecords("gamma", 2),
	}}

	orch := New(Config{CallTimeout: 30 * time.Millisecond, MaxParallel: 4}, openLimits(), fastPolicy(3), nil)
	result, err := orch.Collect(context.Background(), "mechanical keyboard", []source.Source{alpha, beta, gamma}, 10)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	require.NotEmpty(t, result.RoundID)
	require.False(t, result.StartedAt.IsZero())
	require.True(t, result.Partial())

	a := result.Outcomes["alpha"]
	require.True(t, a.Succeeded())
	require.Len(t, a.Records, 5)
	require.Equal(t, 1, a.Attempts)

	b := result.Outcomes["beta"]
	require.False(t, b.Succeeded())
	require.Nil(t, b.Records)
	require.Equal(t, errs.KindPermanent, b.Failure.Kind)
	require.Equal(t, 1, b.Attempts)

	c := result.Outcomes["gamma"]
	require.True(t, c.Succeeded())
	require.Len(t, c.Records, 2)
	require.Equal(t, 3, c.Attempts)
	require.Equal(t, 3, gamma.searchCalls())
}

func TestCollectKeepsCompletedSourcesOnCancel(t *testing.T) {
	alpha := &stubSource{name: "alpha", scripts: []searchScript{returnRecords("alpha", 5)}}
	gamma := &stubSource{name: "gamma", scripts: []searchScript{
		returnFailure(errs.New("gamma", errs.KindTransient, errs.WithMessage("socket reset"))),
		returnRecords("gamma", 1),
	}}

	limits := ratelimit.NewRegistry(ratelimit.DefaultLimits())
	limits.Configure("alpha", ratelimit.Limits{MinSpacing: 0, MaxConcurrent: 1})
	limits.Configure("gamma", ratelimit.Limits{MinSpacing: 400 * time.Millisecond, MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(60*time.Millisecond, cancel)

	orch := New(Config{CallTimeout: time.Second, MaxParallel: 2}, limits, fastPolicy(3), nil)
	result, err := orch.Collect(ctx, "mechanical keyboard", []source.Source{alpha, gamma}, 10)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)

	a := result.Outcomes["alpha"]
	require.True(t, a.Succeeded())
	require.Len(t, a.Records, 5)

	c := result.Outcomes["gamma"]
	require.False(t, c.Succeeded())
	require.Nil(t, c.Records)
	require.Equal(t, errs.KindCancelled, c.Failure.Kind)
}

func TestCollectTruncatesToLimit(t *testing.T) {
	alpha := &stubSource{name: "alpha", scripts: []searchScript{returnRecords("alpha", 7)}}

	orch := New(DefaultConfig(), openLimits(), fastPolicy(2), nil)
	result, err := orch.Collect(context.Background(), "usb hub", []source.Source{alpha}, 3)
	require.NoError(t, err)
	require.Len(t, result.Outcomes["alpha"].Records, 3)
	require.Equal(t, 3, result.LimitPerSource)
}

func TestCollectOneOutcomePerSource(t *testing.T) {
	ok := &stubSource{name: "ok", scripts: []searchScript{returnRecords("ok", 2)}}
	rejected := &stubSource{name: "rejected", scripts: []searchScript{
		returnFailure(errs.New("rejected", errs.KindPermanent, errs.WithMessage("bad query"))),
	}}
	saturated := &stubSource{name: "saturated", scripts: []searchScript{
		returnFailure(errs.New("saturated", errs.KindThrottled, errs.WithMessage("slow down"))),
	}}
	empty := &stubSource{name: "empty", scripts: []searchScript{returnRecords("empty", 0)}}

	orch := New(Config{CallTimeout: time.Second, MaxParallel: 4}, openLimits(), fastPolicy(2), nil)
	result, err := orch.Collect(context.Background(), "usb hub", []source.Source{ok, rejected, saturated, empty}, 5)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 4)

	require.True(t, result.Outcomes["ok"].Succeeded())
	require.Equal(t, errs.KindPermanent, result.Outcomes["rejected"].Failure.Kind)

	throttled := result.Outcomes["saturated"]
	require.Equal(t, errs.KindThrottled, throttled.Failure.Kind)
	require.Equal(t, 2, throttled.Attempts)

	quiet := result.Outcomes["empty"]
	require.True(t, quiet.Succeeded())
	require.Nil(t, quiet.Failure)
	require.Empty(t, quiet.Records)

	failed := result.FailedSources()
	require.Len(t, failed, 2)
}

func TestCollectRepeatedRoundsMatch(t *testing.T) {
	run := func() *schema.AggregateResult {
		alpha := &stubSource{name: "alpha", scripts: []searchScript{returnRecords("alpha", 3)}}
		beta := &stubSource{name: "beta", scripts: []searchScript{
			returnFailure(errs.New("beta", errs.KindPermanent, errs.WithMessage("query rejected"))),
		}}
		orch := New(Config{CallTimeout: time.Second, MaxParallel: 2}, openLimits(), fastPolicy(2), nil)
		result, err := orch.Collect(context.Background(), "usb hub", []source.Source{alpha, beta}, 5)
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()
	require.NotEqual(t, first.RoundID, second.RoundID)
	require.Equal(t, len(first.Outcomes), len(second.Outcomes))
	for name, outcome := range first.Outcomes {
		other := second.Outcomes[name]
		require.Equal(t, outcome.Attempts, other.Attempts, "source %s", name)
		require.Equal(t, outcome.Succeeded(), other.Succeeded(), "source %s", name)
		if outcome.Failure != nil {
			require.Equal(t, outcome.Failure.Kind, other.Failure.Kind, "source %s", name)
		}
		require.Equal(t, len(outcome.Records), len(other.Records), "source %s", name)
		for i := range outcome.Records {
			require.Equal(t, outcome.Records[i].ProductID, other.Records[i].ProductID, "source %s", name)
		}
	}
}

func TestCollectRejectsEmptyInput(t *testing.T) {
	orch := New(DefaultConfig(), openLimits(), retry.DefaultPolicy(), nil)

	_, err := orch.Collect(context.Background(), "   ", []source.Source{&stubSource{name: "alpha"}}, 5)
	require.Error(t, err)
	require.Equal(t, errs.KindPermanent, errs.KindOf(err))

	_, err = orch.Collect(context.Background(), "usb hub", nil, 5)
	require.Error(t, err)
	require.Equal(t, errs.KindPermanent, errs.KindOf(err))
}

func TestFetchBatchBuildsSnapshot(t *testing.T) {
	record := stubRecords("alpha", 1)[0]
	alpha := &stubSource{name: "alpha", fetch: func(context.Context, string) (*schema.ProductRecord, error) {
		clone := record.Clone()
		return &clone, nil
	}}
	beta := &stubSource{name: "beta", fetch: func(context.Context, string) (*schema.ProductRecord, error) {
		return nil, errs.New("beta", errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("listing removed"))
	}}
	byName := map[string]source.Source{"alpha": alpha, "beta": beta}
	lookup := func(name string) (source.Source, bool) {
		src, ok := byName[name]
		return src, ok
	}

	refs := []schema.Reference{
		{Name: "widget", Source: "alpha", Ref: "alpha-001"},
		{Name: "gone", Source: "beta", Ref: "beta-404"},
		{Name: "stranger", Source: "nowhere", Ref: "x"},
	}

	orch := New(Config{CallTimeout: time.Second, MaxParallel: 3}, openLimits(), fastPolicy(2), nil)
	snapshot, err := orch.FetchBatch(context.Background(), refs, lookup)
	require.NoError(t, err)
	require.Len(t, snapshot.Entries, 3)
	require.False(t, snapshot.TakenAt.IsZero())

	widget := snapshot.Entries["widget"]
	require.True(t, widget.Succeeded())
	require.NotNil(t, widget.Record)
	require.Equal(t, "alpha-001", widget.Record.ProductID)
	require.Equal(t, 1, widget.Attempts)

	gone := snapshot.Entries["gone"]
	require.False(t, gone.Succeeded())
	require.Equal(t, errs.KindPermanent, gone.Failure.Kind)

	stranger := snapshot.Entries["stranger"]
	require.False(t, stranger.Succeeded())
	require.Equal(t, errs.KindPermanent, stranger.Failure.Kind)
}

func TestFetchBatchRejectsEmptyInput(t *testing.T) {
	orch := New(DefaultConfig(), openLimits(), retry.DefaultPolicy(), nil)

	_, err := orch.FetchBatch(context.Background(), nil, func(string) (source.Source, bool) { return nil, false })
	require.Error(t, err)

	_, err = orch.FetchBatch(context.Background(), []schema.Reference{{Name: "w", Source: "alpha", Ref: "1"}}, nil)
	require.Error(t, err)
}
