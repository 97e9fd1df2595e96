// Package fake provides a deterministic in-memory source for development and
// tests.
package fake

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// Name is the canonical source name.
const Name = "fake"

var refPattern = regexp.MustCompile(`fake\.test/p/([A-Za-z0-9_-]+)`)

// DefaultCatalog lists the records served when no explicit catalog is
// configured.
func DefaultCatalog() []schema.ProductRecord {
	capturedAt := time.Now().UTC()
	return []schema.ProductRecord{
		{
			Source:       Name,
			ProductID:    "fk-laptop-01",
			Name:         "Fakebook Pro 14",
			Price:        decimal.RequireFromString("1299.00"),
			Currency:     "USD",
			URL:          "https://fake.test/p/fk-laptop-01",
			Availability: "In Stock",
			Brand:        "Fakebook",
			Category:     "Laptops",
			CapturedAt:   capturedAt,
		},
		{
			Source:       Name,
			ProductID:    "fk-keyboard-02",
			Name:         "Clacky TKL Keyboard",
			Price:        decimal.RequireFromString("89.50"),
			Currency:     "USD",
			URL:          "https://fake.test/p/fk-keyboard-02",
			Availability: "In Stock",
			Brand:        "Clacky",
			Category:     "Keyboards",
			CapturedAt:   capturedAt,
		},
		{
			Source:       Name,
			ProductID:    "fk-ssd-03",
			Name:         "Blink NVMe SSD 1TB",
			Price:        decimal.RequireFromString("64.99"),
			Currency:     "USD",
			URL:          "https://fake.test/p/fk-ssd-03",
			Availability: "Out of Stock",
			Brand:        "Blink",
			Category:     "Storage",
			CapturedAt:   capturedAt,
		},
	}
}

// Options configures the fake source.
type Options struct {
	// Catalog overrides the default record set.
	Catalog []schema.ProductRecord

	// Latency delays every call, honouring context cancellation.
	Latency time.Duration

	// PriceStep drifts each fetched price upward per fetch of the same
	// product, giving the monitor something to observe.
	PriceStep decimal.Decimal
}

// Source serves a fixed catalog with scriptable failures.
type Source struct {
	latency   time.Duration
	priceStep decimal.Decimal

	mu      sync.Mutex
	catalog []schema.ProductRecord
	queue   []error
	fetches map[string]int64
}

// NewSource constructs a fake source from options.
func NewSource(opts Options) *Source {
	catalog := opts.Catalog
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	return &Source{
		latency:   opts.Latency,
		priceStep: opts.PriceStep,
		catalog:   catalog,
		fetches:   make(map[string]int64),
	}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

// FailNext queues errors returned by upcoming calls, one per call, ahead of
// normal behaviour.
func (s *Source) FailNext(failures ...error) {
	s.mu.Lock()
	s.queue = append(s.queue, failures...)
	s.mu.Unlock()
}

// Search matches catalog names case-insensitively.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("empty query"))
	}
	if limit <= 0 {
		limit = len(s.catalog)
	}
	capturedAt := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]schema.ProductRecord, 0, limit)
	for _, item := range s.catalog {
		if !strings.Contains(strings.ToLower(item.Name), query) {
			continue
		}
		record := item.Clone()
		record.CapturedAt = capturedAt
		records = append(records, record)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

// FetchByReference serves the catalog record for an identifier or fake URL.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.catalog {
		if item.ProductID != ref {
			continue
		}
		record := item.Clone()
		record.CapturedAt = time.Now().UTC()
		if !s.priceStep.IsZero() {
			s.fetches[ref]++
			record.Price = record.Price.Add(s.priceStep.Mul(decimal.NewFromInt(s.fetches[ref])))
		}
		return &record, nil
	}
	return nil, errs.New(Name, errs.KindPermanent,
		errs.WithOp("fetch"),
		errs.WithMessage("unknown product"),
		errs.WithField("ref", ref))
}

// ExtractIdentifier derives the product ID from a fake catalog URL.
func (s *Source) ExtractIdentifier(rawURL string) string {
	return shared.FirstMatch([]*regexp.Regexp{refPattern}, strings.TrimSpace(rawURL))
}

func (s *Source) admit(ctx context.Context) error {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.latency):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		err := s.queue[0]
		s.queue = s.queue[1:]
		return err
	}
	return nil
}
