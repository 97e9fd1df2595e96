// Package walmart implements the Walmart product API source.
package walmart

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// Name is the canonical source name.
const Name = "walmart"

const (
	defaultBaseURL     = "https://api.walmartlabs.com"
	defaultCurrency    = "USD"
	defaultSearchLimit = 10
)

var itemPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/ip/[^/]+/(\d+)`),
	regexp.MustCompile(`[?&]product_id=(\d+)`),
}

// Options configures the Walmart source.
type Options struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Source queries the Walmart product API.
type Source struct {
	client *shared.Client
	apiKey string
}

// NewSource constructs a Walmart source from options.
func NewSource(opts Options) *Source {
	baseURL := opts.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Source{
		client: shared.NewClient(Name, baseURL, opts.HTTP),
		apiKey: strings.TrimSpace(opts.APIKey),
	}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

type searchResponse struct {
	Query string        `json:"query"`
	Items []itemPayload `json:"items"`
}

type itemPayload struct {
	ItemID         int64    `json:"itemId"`
	Name           string   `json:"name"`
	SalePrice      *float64 `json:"salePrice"`
	MSRP           *float64 `json:"msrp"`
	BrandName      string   `json:"brandName"`
	CategoryPath   string   `json:"categoryPath"`
	Stock          string   `json:"stock"`
	CustomerRating string   `json:"customerRating"`
	NumReviews     *int64   `json:"numReviews"`
	ProductURL     string   `json:"productUrl"`
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
	params := s.params()
	params.Set("query", query)
	params.Set("numItems", strconv.Itoa(limit))
	var payload searchResponse
	if err := s.client.GetJSON(ctx, "/v1/search", params, &payload); err != nil {
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

// FetchByReference returns the current record for an item ID. Product URLs
// are accepted and reduced to their item ID first.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("empty reference"))
	}
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	var payload itemPayload
	if err := s.client.GetJSON(ctx, "/v1/items/"+url.PathEscape(ref), s.params(), &payload); err != nil {
		return nil, err
	}
	record, err := toRecord(payload, time.Now().UTC())
	if err != nil {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("invalid item payload"), errs.WithCause(err))
	}
	return &record, nil
}

// ExtractIdentifier derives the item ID from a product URL.
func (s *Source) ExtractIdentifier(rawURL string) string {
	return shared.FirstMatch(itemPatterns, strings.TrimSpace(rawURL))
}

func (s *Source) params() url.Values {
	params := url.Values{}
	if s.apiKey != "" {
		params.Set("apiKey", s.apiKey)
	}
	return params
}

func toRecord(item itemPayload, capturedAt time.Time) (schema.ProductRecord, error) {
	if item.ItemID <= 0 {
		return schema.ProductRecord{}, errs.New(Name, errs.KindPermanent, errs.WithOp("parse"), errs.WithMessage("missing item id"))
	}
	price := decimal.Zero
	if item.SalePrice != nil {
		price = decimal.NewFromFloat(*item.SalePrice)
	} else if item.MSRP != nil {
		price = decimal.NewFromFloat(*item.MSRP)
	}
	var rating *float64
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(item.CustomerRating), 64); err == nil {
		rating = &parsed
	}
	record := schema.ProductRecord{
		Source:       Name,
		ProductID:    strconv.FormatInt(item.ItemID, 10),
		Name:         strings.TrimSpace(item.Name),
		Price:        price,
		Currency:     defaultCurrency,
		URL:          item.ProductURL,
		Rating:       rating,
		Reviews:      item.NumReviews,
		Availability: item.Stock,
		Brand:        item.BrandName,
		Category:     item.CategoryPath,
		CapturedAt:   capturedAt,
	}
	if err := record.Validate(); err != nil {
		return schema.ProductRecord{}, err
	}
	return record, nil
}
