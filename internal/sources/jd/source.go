// Package jd implements the JD.com product API source.
package jd

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
const Name = "jd"

const (
	defaultBaseURL     = "https://api.m.jd.com"
	defaultCurrency    = "CNY"
	defaultSearchLimit = 10

	stockStateAvailable = 33
	stockStateSoldOut   = 34
)

var skuPatterns = []*regexp.Regexp{
	regexp.MustCompile(`item\.jd\.com/(\d+)`),
	regexp.MustCompile(`/(\d+)\.html`),
	regexp.MustCompile(`sku[/=](\d+)`),
	regexp.MustCompile(`product[/=](\d+)`),
}

// Options configures the JD source.
type Options struct {
	BaseURL string
	HTTP    *http.Client
}

// Source queries the JD product API.
type Source struct {
	client *shared.Client
}

// NewSource constructs a JD source from options.
func NewSource(opts Options) *Source {
	baseURL := opts.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Source{client: shared.NewClient(Name, baseURL, opts.HTTP)}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

type searchResponse struct {
	Code int        `json:"code"`
	Msg  string     `json:"msg"`
	Data searchData `json:"data"`
}

type searchData struct {
	Items []skuPayload `json:"items"`
}

type itemResponse struct {
	Code int        `json:"code"`
	Msg  string     `json:"msg"`
	Data skuPayload `json:"data"`
}

type skuPayload struct {
	SkuID        string `json:"skuId"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	ShopName     string `json:"shopName"`
	Brand        string `json:"brand"`
	CategoryName string `json:"categoryName"`
	StockState   int    `json:"stockState"`
	Rate         string `json:"rate"`
	CommentCount *int64 `json:"commentCount"`
	URL          string `json:"url"`
}

// Search returns up to limit records matching the keyword.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("empty query"))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	params := url.Values{}
	params.Set("keyword", query)
	params.Set("pageSize", strconv.Itoa(limit))
	var payload searchResponse
	if err := s.client.GetJSON(ctx, "/api/search", params, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 0 {
		return nil, apiError("search", payload.Code, payload.Msg)
	}
	capturedAt := time.Now().UTC()
	records := make([]schema.ProductRecord, 0, len(payload.Data.Items))
	for _, item := range payload.Data.Items {
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

// FetchByReference returns the current record for a SKU. Item URLs are
// accepted and reduced to their SKU first.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("empty reference"))
	}
	if id := s.ExtractIdentifier(ref); id != "" {
		ref = id
	}
	var payload itemResponse
	if err := s.client.GetJSON(ctx, "/api/item/"+url.PathEscape(ref), nil, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 0 {
		return nil, apiError("fetch", payload.Code, payload.Msg)
	}
	record, err := toRecord(payload.Data, time.Now().UTC())
	if err != nil {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("fetch"), errs.WithMessage("invalid item payload"), errs.WithCause(err))
	}
	return &record, nil
}

// ExtractIdentifier derives the SKU from an item URL.
func (s *Source) ExtractIdentifier(rawURL string) string {
	return shared.FirstMatch(skuPatterns, strings.TrimSpace(rawURL))
}

func apiError(op string, code int, msg string) error {
	kind := errs.KindPermanent
	// JD reports throttling through its own code space rather than HTTP 429.
	if code == 403 || code == 600 {
		kind = errs.KindThrottled
	}
	return errs.New(Name, kind,
		errs.WithOp(op),
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithRawMessage(strings.TrimSpace(msg)),
		errs.WithMessage("api error"))
}

func toRecord(item skuPayload, capturedAt time.Time) (schema.ProductRecord, error) {
	availability := ""
	switch item.StockState {
	case stockStateAvailable:
		availability = "In Stock"
	case stockStateSoldOut:
		availability = "Out of Stock"
	}
	var rating *float64
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(item.Rate), 64); err == nil {
		rating = &parsed
	}
	itemURL := item.URL
	if itemURL == "" && item.SkuID != "" {
		itemURL = "https://item.jd.com/" + item.SkuID + ".html"
	}
	record := schema.ProductRecord{
		Source:       Name,
		ProductID:    strings.TrimSpace(item.SkuID),
		Name:         strings.TrimSpace(item.Name),
		Price:        shared.ParsePrice(item.Price),
		Currency:     defaultCurrency,
		URL:          itemURL,
		Rating:       rating,
		Reviews:      item.CommentCount,
		Availability: availability,
		Seller:       item.ShopName,
		Brand:        item.Brand,
		Category:     item.CategoryName,
		CapturedAt:   capturedAt,
	}
	if err := record.Validate(); err != nil {
		return schema.ProductRecord{}, err
	}
	return record, nil
}
