// Package ebay implements the eBay Browse API source.
package ebay

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
const Name = "ebay"

const (
	defaultBaseURL     = "https://api.ebay.com"
	defaultCurrency    = "USD"
	defaultSearchLimit = 10
)

var itemPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/itm/(\d+)`),
	regexp.MustCompile(`[?&]item=(\d+)`),
	regexp.MustCompile(`hash=item([a-f0-9]+)`),
}

// Options configures the eBay source.
type Options struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Source queries the eBay Browse API.
type Source struct {
	client *shared.Client
}

// NewSource constructs an eBay source from options.
func NewSource(opts Options) *Source {
	baseURL := opts.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	client := shared.NewClient(Name, baseURL, opts.HTTP)
	if opts.Token != "" {
		client.SetHeader("Authorization", "Bearer "+opts.Token)
	}
	return &Source{client: client}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

type searchResponse struct {
	Total     int           `json:"total"`
	Summaries []itemSummary `json:"itemSummaries"`
}

type itemSummary struct {
	ItemID       string     `json:"itemId"`
	Title        string     `json:"title"`
	Price        moneyValue `json:"price"`
	Condition    string     `json:"condition"`
	Seller       seller     `json:"seller"`
	ItemWebURL   string     `json:"itemWebUrl"`
	Brand        string     `json:"brand"`
	CategoryPath string     `json:"categoryPath"`
}

type moneyValue struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type seller struct {
	Username string `json:"username"`
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
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	var payload searchResponse
	if err := s.client.GetJSON(ctx, "/buy/browse/v1/item_summary/search", params, &payload); err != nil {
		return nil, err
	}
	capturedAt := time.Now().UTC()
	records := make([]schema.ProductRecord, 0, len(payload.Summaries))
	for _, summary := range payload.Summaries {
		record, err := toRecord(summary, capturedAt)
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

// FetchByReference returns the current record for an item ID. Listing URLs
// are accepted and reduced to their item ID first.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("empty reference"))
	}
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	var payload itemSummary
	if err := s.client.GetJSON(ctx, "/buy/browse/v1/item/"+url.PathEscape(ref), nil, &payload); err != nil {
		return nil, err
	}
	record, err := toRecord(payload, time.Now().UTC())
	if err != nil {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("invalid item payload"), errs.WithCause(err))
	}
	return &record, nil
}

// ExtractIdentifier derives the item ID from a listing URL.
func (s *Source) ExtractIdentifier(rawURL string) string {
	return shared.FirstMatch(itemPatterns, strings.TrimSpace(rawURL))
}

func toRecord(summary itemSummary, capturedAt time.Time) (schema.ProductRecord, error) {
	currency := strings.ToUpper(strings.TrimSpace(summary.Price.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	availability := ""
	if summary.Condition != "" {
		availability = "In Stock"
	}
	record := schema.ProductRecord{
		Source:       Name,
		ProductID:    strings.TrimSpace(summary.ItemID),
		Name:         strings.TrimSpace(summary.Title),
		Price:        shared.ParsePrice(summary.Price.Value),
		Currency:     currency,
		URL:          summary.ItemWebURL,
		Availability: availability,
		Seller:       summary.Seller.Username,
		Brand:        summary.Brand,
		Category:     summary.CategoryPath,
		CapturedAt:   capturedAt,
	}
	if err := record.Validate(); err != nil {
		return schema.ProductRecord{}, err
	}
	return record, nil
}
