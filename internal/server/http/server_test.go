package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/config"
	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/bus/eventbus"
	"github.com/coachpo/pricemesh/internal/conductor"
	"github.com/coachpo/pricemesh/internal/monitor"
	"github.com/coachpo/pricemesh/internal/persistence"
	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/retry"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/snapshot"
	"github.com/coachpo/pricemesh/internal/source"
)

type stubSource struct {
	name    string
	records []schema.ProductRecord
	err     error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(_ context.Context, _ string, limit int) ([]schema.ProductRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.records) > limit {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *stubSource) FetchByReference(_ context.Context, ref string) (*schema.ProductRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.records {
		if s.records[i].ProductID == ref {
			record := s.records[i].Clone()
			return &record, nil
		}
	}
	return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("unknown reference"))
}

func (s *stubSource) ExtractIdentifier(string) string { return "" }

type stubHistory struct {
	mu     sync.Mutex
	rounds []*schema.AggregateResult
	points []persistence.PricePoint
	recent []persistence.RoundSummary
}

func (h *stubHistory) SaveRound(_ context.Context, result *schema.AggregateResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rounds = append(h.rounds, result)
	return nil
}

func (h *stubHistory) SaveSnapshot(context.Context, *schema.MonitorSnapshot) error { return nil }

func (h *stubHistory) PriceHistory(_ context.Context, _, _ string, _ int) ([]persistence.PricePoint, error) {
	return h.points, nil
}

func (h *stubHistory) RecentRounds(context.Context, int) ([]persistence.RoundSummary, error) {
	return h.recent, nil
}

func (h *stubHistory) savedRounds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

type stubFetcher struct{}

func (stubFetcher) FetchBatch(_ context.Context, refs []schema.Reference, _ func(string) (source.Source, bool)) (*schema.MonitorSnapshot, error) {
	snap := &schema.MonitorSnapshot{TakenAt: time.Now().UTC(), Entries: make(map[string]schema.SnapshotEntry, len(refs))}
	for _, ref := range refs {
		snap.Entries[ref.Name] = schema.SnapshotEntry{Reference: ref, Attempts: 1}
	}
	return snap, nil
}

func record(name, id string, price float64) schema.ProductRecord {
	return schema.ProductRecord{
		Source:     name,
		ProductID:  id,
		Name:       "Widget " + id,
		Price:      decimal.NewFromFloat(price),
		Currency:   "USD",
		CapturedAt: time.Now().UTC(),
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0}
}

func collectOptions(history persistence.HistoryStore) Options {
	catalog := source.NewCatalog()
	catalog.Add(&stubSource{name: "alpha", records: []schema.ProductRecord{
		record("alpha", "A1", 19.99),
		record("alpha", "A2", 24.50),
		record("alpha", "A3", 8.00),
	}})
	catalog.Add(&stubSource{name: "beta", err: errs.New("beta", errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("listing removed"))})

	limits := ratelimit.NewRegistry(ratelimit.Limits{MinSpacing: 0, MaxConcurrent: 2})
	orchestrator := conductor.New(conductor.Config{CallTimeout: time.Second, MaxParallel: 2}, limits, fastPolicy(), nil)
	return Options{
		Catalog:        catalog,
		Orchestrator:   orchestrator,
		Limits:         limits,
		History:        history,
		LimitPerSource: 5,
	}
}

func TestCollectReturnsPerSourceOutcomes(t *testing.T) {
	history := &stubHistory{}
	handler := NewHandler(collectOptions(history))

	body := strings.NewReader(`{"query":"widget","limit":2}`)
	req := httptest.NewRequest(http.MethodPost, collectPath, body)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var result schema.AggregateResult
	if err := json.Unmarshal(res.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RoundID == "" {
		t.Fatal("expected round id to be assigned")
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Outcomes))
	}
	alpha, ok := result.Outcomes["alpha"]
	if !ok {
		t.Fatal("expected alpha outcome")
	}
	if len(alpha.Records) != 2 {
		t.Fatalf("expected alpha records truncated to 2, got %d", len(alpha.Records))
	}
	beta, ok := result.Outcomes["beta"]
	if !ok {
		t.Fatal("expected beta outcome")
	}
	if beta.Failure == nil || beta.Failure.Kind != errs.KindPermanent {
		t.Fatalf("expected permanent beta failure, got %+v", beta.Failure)
	}
	if history.savedRounds() != 1 {
		t.Fatalf("expected one persisted round, got %d", history.savedRounds())
	}
}

func TestCollectSelectsRequestedSources(t *testing.T) {
	handler := NewHandler(collectOptions(nil))

	body := strings.NewReader(`{"query":"widget","sources":["alpha"]}`)
	req := httptest.NewRequest(http.MethodPost, collectPath, body)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var result schema.AggregateResult
	if err := json.Unmarshal(res.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(result.Outcomes))
	}
	if _, ok := result.Outcomes["alpha"]; !ok {
		t.Fatal("expected alpha outcome only")
	}
}

func TestCollectValidation(t *testing.T) {
	handler := NewHandler(collectOptions(nil))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, collectPath, strings.NewReader(body))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	if res := post(`{"query":"  "}`); res.Code != http.StatusBadRequest {
		t.Fatalf("blank query: expected 400, got %d", res.Code)
	}
	if res := post(`{"query":"widget","sources":["nope"]}`); res.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: expected 400, got %d", res.Code)
	}
	if res := post(`{broken`); res.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", res.Code)
	}

	oversized := `{"query":"` + strings.Repeat("x", int(maxJSONBodyBytes)+16) + `"}`
	if res := post(oversized); res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: expected 413, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodGet, collectPath, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
	if allow := res.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestSourcesReportsAdmissionStats(t *testing.T) {
	registry := source.NewRegistry()
	registry.Register(source.Descriptor{Name: "alpha", Title: "Alpha Mart", Aliases: []string{"al"}}, func(*http.Client, map[string]any) (source.Source, error) {
		return &stubSource{name: "alpha"}, nil
	})

	opts := collectOptions(nil)
	opts.Registry = registry
	opts.Limits.Configure("alpha", ratelimit.Limits{MinSpacing: 250 * time.Millisecond, MaxConcurrent: 3})
	handler := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, sourcesPath, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Sources []sourceStatus `json:"sources"`
		Metrics struct {
			Requests map[string]int64 `json:"requests"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if len(payload.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(payload.Sources))
	}
	if payload.Sources[0].Name != "alpha" {
		t.Fatalf("expected alpha first, got %s", payload.Sources[0].Name)
	}
	if payload.Sources[0].Title != "Alpha Mart" {
		t.Fatalf("expected registry title, got %q", payload.Sources[0].Title)
	}
	if payload.Sources[0].MinSpacing != "250ms" {
		t.Fatalf("expected configured spacing, got %q", payload.Sources[0].MinSpacing)
	}
	if payload.Sources[0].MaxConcurrent != 3 {
		t.Fatalf("expected max concurrent 3, got %d", payload.Sources[0].MaxConcurrent)
	}
	if payload.Metrics.Requests == nil {
		t.Fatal("expected runtime metrics maps in payload")
	}
}

func TestMonitorLifecycle(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8})
	defer bus.Close()

	refs := []schema.Reference{{Name: "widget", Source: "alpha", Ref: "A1"}}
	sched := monitor.New(monitor.Config{TickInterval: time.Hour}, stubFetcher{}, refs, nil, bus, snapshot.NewMemoryStore(), nil)
	defer sched.Stop()

	opts := collectOptions(nil)
	opts.Scheduler = sched
	handler := NewHandler(opts)

	start := httptest.NewRequest(http.MethodPost, monitorStartPath, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, start)
	if res.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var status monitor.Status
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.References != 1 {
		t.Fatalf("unexpected status after start: %+v", status)
	}

	again := httptest.NewRequest(http.MethodPost, monitorStartPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, again)
	if res.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", res.Code)
	}

	get := httptest.NewRequest(http.MethodGet, monitorPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, get)
	if res.Code != http.StatusOK {
		t.Fatalf("get monitor: expected 200, got %d", res.Code)
	}

	stop := httptest.NewRequest(http.MethodPost, monitorStopPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, stop)
	if res.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", res.Code)
	}
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Running {
		t.Fatal("expected monitor stopped")
	}
}

func TestMonitorUnconfigured(t *testing.T) {
	handler := NewHandler(collectOptions(nil))
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, monitorPath},
		{http.MethodPost, monitorStartPath},
		{http.MethodPost, monitorStopPath},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: expected 503, got %d", tc.method, tc.path, res.Code)
		}
	}
}

func TestHistoryEndpoints(t *testing.T) {
	history := &stubHistory{
		points: []persistence.PricePoint{
			{Price: decimal.RequireFromString("19.99"), Currency: "USD", CapturedAt: time.Now().UTC()},
		},
		recent: []persistence.RoundSummary{
			{RoundID: "0c2cb361-9f7c-4747-bd29-fa708b0008ec", Query: "widget", LimitPerSource: 5, StartedAt: time.Now().UTC()},
		},
	}
	opts := collectOptions(history)
	handler := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/history/Alpha/A1?limit=2", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	var payload struct {
		Source    string                   `json:"source"`
		ProductID string                   `json:"product_id"`
		Points    []persistence.PricePoint `json:"points"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if payload.Source != "alpha" || payload.ProductID != "A1" {
		t.Fatalf("unexpected echo %q/%q", payload.Source, payload.ProductID)
	}
	if len(payload.Points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(payload.Points))
	}

	req = httptest.NewRequest(http.MethodGet, "/history/alpha", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("missing id: expected 404, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/history/alpha/A1?limit=abc", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodGet, roundsPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("rounds: expected 200, got %d", res.Code)
	}
	var rounds struct {
		Rounds []persistence.RoundSummary `json:"rounds"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &rounds); err != nil {
		t.Fatalf("decode rounds: %v", err)
	}
	if len(rounds.Rounds) != 1 || rounds.Rounds[0].Query != "widget" {
		t.Fatalf("unexpected rounds payload %+v", rounds.Rounds)
	}

	bare := NewHandler(collectOptions(nil))
	req = httptest.NewRequest(http.MethodGet, "/history/alpha/A1", nil)
	res = httptest.NewRecorder()
	bare.ServeHTTP(res, req)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("no store: expected 503, got %d", res.Code)
	}
	req = httptest.NewRequest(http.MethodGet, roundsPath, nil)
	res = httptest.NewRecorder()
	bare.ServeHTTP(res, req)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("no store: expected 503, got %d", res.Code)
	}
}

func TestHealthAndCORS(t *testing.T) {
	handler := NewHandler(collectOptions(nil))

	req := httptest.NewRequest(http.MethodGet, healthPath, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body %s", res.Body.String())
	}

	preflight := httptest.NewRequest(http.MethodOptions, collectPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, preflight)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", res.Code)
	}
	if origin := res.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
}

func TestSwaggerOnlyInDev(t *testing.T) {
	dev := collectOptions(nil)
	dev.Environment = config.EnvDev
	handler := NewHandler(dev)

	req := httptest.NewRequest(http.MethodGet, swaggerSpecPath, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("dev spec: expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}

	prod := collectOptions(nil)
	prod.Environment = config.EnvProd
	handler = NewHandler(prod)
	req = httptest.NewRequest(http.MethodGet, swaggerSpecPath, nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("prod spec: expected 404, got %d", res.Code)
	}
}
