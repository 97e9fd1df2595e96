// Package amazon implements the Amazon product API source.
package amazon

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// Name is the canonical source name.
const Name = "amazon"

const (
	defaultBaseURL     = "https://api.amazon.com"
	defaultCurrency    = "USD"
	defaultSearchLimit = 10
)

var asinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
	regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
	regexp.MustCompile(`/product/([A-Z0-9]{10})`),
	regexp.MustCompile(`[?&]asin=([A-Z0-9]{10})`),
}

var bareASIN = regexp.MustCompile(`^B0[A-Z0-9]{8}$`)

// Options configures the Amazon source.
type Options struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Source queries the Amazon product API.
type Source struct {
	client *shared.Client
}

// NewSource constructs an Amazon source from options.
func NewSource(opts Options) *Source {
	baseURL := opts.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	client := shared.NewClient(Name, baseURL, opts.HTTP)
	if opts.APIKey != "" {
		client.SetHeader("X-Api-Key", opts.APIKey)
	}
	return &Source{client: client}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

type searchResponse struct {
	Items []itemPayload `json:"items"`
}

type itemResponse struct {
	Item itemPayload `json:"item"`
}

type itemPayload struct {
	ASIN         string       `json:"asin"`
	Title        string       `json:"title"`
	Brand        string       `json:"brand"`
	Category     string       `json:"category"`
	URL          string       `json:"url"`
	Price        pricePayload `json:"price"`
	Rating       *float64     `json:"rating"`
	ReviewCount  *int64       `json:"review_count"`
	Availability string       `json:"availability"`
}

type pricePayload struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

// Search returns up to limit records matching the query.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("empty query"))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	params := url.Values{}
	params.Set("keywords", query)
	params.Set("limit", strconv.Itoa(limit))
	var payload searchResponse
	if err := s.client.GetJSON(ctx, "/products/v1/search", params, &payload); err != nil {
		return nil, err
	}
	capturedAt := time.Now().UTC()
	records := make([]schema.ProductRecord, 0, len(payload.Items))
	for _, item := range payload.Items {
		record, err := toRecord(item, capturedAt)
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

// FetchByReference returns the current record for an ASIN. Product URLs are
// accepted and reduced to their ASIN first.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("empty reference"))
	}
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	var payload itemResponse
	if err := s.client.GetJSON(ctx, "/products/v1/items/"+url.PathEscape(ref), nil, &payload); err != nil {
		return nil, err
	}
	record, err := toRecord(payload.Item, time.Now().UTC())
	if err != nil {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("invalid item payload"), errs.WithCause(err))
	}
	return &record, nil
}

// ExtractIdentifier derives the ASIN from a product URL or bare ASIN.
func (s *Source) ExtractIdentifier(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if bareASIN.MatchString(trimmed) {
		return trimmed
	}
	return shared.FirstMatch(asinPatterns, trimmed)
}

func toRecord(item itemPayload, capturedAt time.Time) (schema.ProductRecord, error) {
	price := shared.ParsePrice(item.Price.Amount)
	if price.IsZero() && item.Price.Display != "" {
		price = shared.ParsePrice(item.Price.Display)
	}
	currency := strings.ToUpper(strings.TrimSpace(item.Price.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	record := schema.ProductRecord{
		Source:       Name,
		ProductID:    strings.TrimSpace(item.ASIN),
		Name:         strings.TrimSpace(item.Title),
		Price:        price,
		Currency:     currency,
		URL:          item.URL,
		Rating:       item.Rating,
		Reviews:      item.ReviewCount,
		Availability: item.Availability,
		Brand:        item.Brand,
		Category:     item.Category,
		CapturedAt:   capturedAt,
	}
	if err := record.Validate(); err != nil {
		return schema.ProductRecord{}, err
	}
	return record, nil
}
