// Package script implements a source whose payload mapping is delegated to a
// JavaScript module. The Go side performs HTTP fetches and rate/retry handling;
// the module translates raw API payloads into listing rows.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// Name is the factory name used for registration. Instances take their source
// identity from the module's metadata export.
const Name = "script"

const defaultSearchLimit = 10

// ErrExportMissing is returned when a requested module export does not exist.
var ErrExportMissing = errors.New("script export missing")

// Metadata describes the remote API a script module binds to. A module exports
// it under `metadata` alongside parseSearch, parseProduct, and an optional
// extractId function.
type Metadata struct {
	Name        string            `json:"name"`
	Title       string            `json:"title"`
	BaseURL     string            `json:"baseUrl"`
	Currency    string            `json:"currency"`
	SearchPath  string            `json:"searchPath"`
	SearchParam string            `json:"searchParam"`
	LimitParam  string            `json:"limitParam"`
	ProductPath string            `json:"productPath"`
	Headers     map[string]string `json:"headers"`
}

type row struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Price        any      `json:"price"`
	Currency     string   `json:"currency"`
	URL          string   `json:"url"`
	Rating       *float64 `json:"rating"`
	Reviews      *int64   `json:"reviews"`
	Availability string   `json:"availability"`
	Seller       string   `json:"seller"`
	Brand        string   `json:"brand"`
	Category     string   `json:"category"`
}

// Options configures a script source.
type Options struct {
	ModulePath string
	BaseURL    string
	HTTP       *http.Client
}

// Source executes a compiled JavaScript module to translate remote payloads
// into product records. The runtime is single-threaded; calls into it are
// serialized by a mutex.
type Source struct {
	name   string
	meta   Metadata
	hash   string
	client *shared.Client

	mu      sync.Mutex
	rt      *goja.Runtime
	exports *goja.Object
}

// NewSource reads and compiles the module at opts.ModulePath, validates its
// metadata export, and binds it to the declared API.
func NewSource(opts Options) (*Source, error) {
	path := strings.TrimSpace(opts.ModulePath)
	if path == "" {
		return nil, fmt.Errorf("script source: module path required")
	}
	// #nosec G304 -- path comes from operator configuration, not request input.
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script source: read %q: %w", path, err)
	}
	program, err := goja.Compile(path, string(src), true)
	if err != nil {
		return nil, fmt.Errorf("script source: compile %q: %w", path, err)
	}
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, fmt.Errorf("script source: execute %q: %w", path, err)
	}
	meta, err := extractMetadata(rt, exports)
	if err != nil {
		return nil, fmt.Errorf("script source: %s: %w", path, err)
	}
	if trimmed := strings.TrimSpace(opts.BaseURL); trimmed != "" {
		meta.BaseURL = trimmed
	}
	if strings.TrimSpace(meta.BaseURL) == "" {
		return nil, fmt.Errorf("script source %s: base url required", meta.Name)
	}

	client := shared.NewClient(meta.Name, meta.BaseURL, opts.HTTP)
	for key, value := range meta.Headers {
		client.SetHeader(key, value)
	}

	sum := sha256.Sum256(src)
	return &Source{
		name:    meta.Name,
		meta:    meta,
		hash:    hex.EncodeToString(sum[:]),
		client:  client,
		mu:      sync.Mutex{},
		rt:      rt,
		exports: exports,
	}, nil
}

// Name returns the source identity declared by the module metadata.
func (s *Source) Name() string { return s.name }

// Hash returns the sha256 of the module source, for catalog reporting.
func (s *Source) Hash() string { return s.hash }

// Metadata returns a copy of the module metadata.
func (s *Source) Metadata() Metadata {
	meta := s.meta
	if len(s.meta.Headers) > 0 {
		headers := make(map[string]string, len(s.meta.Headers))
		for k, v := range s.meta.Headers {
			headers[k] = v
		}
		meta.Headers = headers
	}
	return meta
}

// Search fetches the module's search endpoint and maps the payload through the
// parseSearch export.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("empty query"))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	params := url.Values{}
	params.Set(s.meta.SearchParam, query)
	params.Set(s.meta.LimitParam, strconv.Itoa(limit))
	var payload any
	if err := s.client.GetJSON(ctx, s.meta.SearchPath, params, &payload); err != nil {
		return nil, err
	}
	var rows []row
	if err := s.call("parseSearch", &rows, payload); err != nil {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("parseSearch failed"), errs.WithCause(err))
	}
	capturedAt := time.Now().UTC()
	records := make([]schema.ProductRecord, 0, len(rows))
	for _, item := range rows {
		record, err := s.toRecord(item, capturedAt)
		if err != nil {
			continue
		}
		records = append(records, record)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

// FetchByReference fetches the module's product endpoint for the reference and
// maps the payload through the parseProduct export. Product URLs are accepted
// when the module exports extractId.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("empty reference"))
	}
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	path := strings.ReplaceAll(s.meta.ProductPath, "{id}", url.PathEscape(ref))
	var payload any
	if err := s.client.GetJSON(ctx, path, nil, &payload); err != nil {
		return nil, err
	}
	var item row
	if err := s.call("parseProduct", &item, payload); err != nil {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("parseProduct failed"), errs.WithCause(err))
	}
	record, err := s.toRecord(item, time.Now().UTC())
	if err != nil {
		return nil, errs.New(s.name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("invalid item payload"), errs.WithCause(err))
	}
	return &record, nil
}

// ExtractIdentifier delegates to the module's optional extractId export.
// Modules without one never resolve URLs.
func (s *Source) ExtractIdentifier(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	var id string
	if err := s.call("extractId", &id, trimmed); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

// call invokes the named export under the runtime mutex and exports the result
// into out when out is non-nil.
func (s *Source) call(fn string, out any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := s.exports.Get(fn)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ErrExportMissing
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return fmt.Errorf("export %q not callable", fn)
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = s.rt.ToValue(arg)
	}
	res, err := callable(goja.Undefined(), params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return fmt.Errorf("export %q returned no value", fn)
	}
	if err := s.rt.ExportTo(res, out); err != nil {
		return fmt.Errorf("export %q result invalid: %w", fn, err)
	}
	return nil
}

func (s *Source) toRecord(item row, capturedAt time.Time) (schema.ProductRecord, error) {
	currency := strings.ToUpper(strings.TrimSpace(item.Currency))
	if currency == "" {
		currency = s.meta.Currency
	}
	record := schema.ProductRecord{
		Source:       s.name,
		ProductID:    strings.TrimSpace(item.ID),
		Name:         strings.TrimSpace(item.Name),
		Price:        priceOf(item.Price),
		Currency:     currency,
		URL:          item.URL,
		Rating:       item.Rating,
		Reviews:      item.Reviews,
		Availability: item.Availability,
		Seller:       item.Seller,
		Brand:        item.Brand,
		Category:     item.Category,
		CapturedAt:   capturedAt,
	}
	if err := record.Validate(); err != nil {
		return schema.ProductRecord{}, err
	}
	return record, nil
}

// priceOf accepts the number-or-string price values modules hand back. Integral
// JS numbers export as int64, fractional ones as float64.
func priceOf(value any) decimal.Decimal {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case string:
		return shared.ParsePrice(v)
	default:
		return decimal.Zero
	}
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

func extractMetadata(rt *goja.Runtime, exports *goja.Object) (Metadata, error) {
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("metadata name required")
	}
	if strings.TrimSpace(meta.SearchPath) == "" {
		return Metadata{}, fmt.Errorf("metadata searchPath required")
	}
	if strings.TrimSpace(meta.ProductPath) == "" {
		return Metadata{}, fmt.Errorf("metadata productPath required")
	}
	if strings.TrimSpace(meta.SearchParam) == "" {
		meta.SearchParam = "q"
	}
	if strings.TrimSpace(meta.LimitParam) == "" {
		meta.LimitParam = "limit"
	}
	meta.Currency = strings.ToUpper(strings.TrimSpace(meta.Currency))
	if meta.Currency == "" {
		meta.Currency = "USD"
	}
	return meta, nil
}
