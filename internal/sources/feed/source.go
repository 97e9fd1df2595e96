// Package feed implements a source backed by a live WebSocket quote stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/observability"
	"github.com/coachpo/pricemesh/internal/schema"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// Name is the canonical source name.
const Name = "feed"

const (
	readLimit            = 1 << 20
	maxReconnectInterval = 30 * time.Second
)

// Options configures the feed source.
type Options struct {
	// URL is the WebSocket endpoint publishing quote frames.
	URL string
}

// Source caches the latest quote per reference from a WebSocket stream. Run
// must be started for quotes to arrive.
type Source struct {
	url string

	mu     sync.RWMutex
	quotes map[string]schema.ProductRecord
}

// NewSource constructs a feed source from options.
func NewSource(opts Options) *Source {
	return &Source{
		url:    strings.TrimSpace(opts.URL),
		quotes: make(map[string]schema.ProductRecord),
	}
}

// Name returns the canonical source name.
func (s *Source) Name() string { return Name }

type quoteFrame struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	URL      string `json:"url,omitempty"`
}

// Run dials the quote stream and keeps the cache current, reconnecting with
// exponential backoff until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	if s.url == "" {
		return errs.New(Name, errs.KindPermanent, errs.WithOp("run"), errs.WithMessage("feed url not configured"))
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			observability.Log().Error("feed dial failed",
				observability.Field{Key: "url", Value: s.url},
				observability.Field{Key: "error", Value: err.Error()})
			if err := s.sleep(ctx, backoffCfg); err != nil {
				return err
			}
			continue
		}
		conn.SetReadLimit(readLimit)
		backoffCfg.Reset()
		observability.Log().Info("feed connected", observability.Field{Key: "url", Value: s.url})

		err = s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		observability.Log().Error("feed connection lost",
			observability.Field{Key: "error", Value: err.Error()})
		if err := s.sleep(ctx, backoffCfg); err != nil {
			return err
		}
	}
}

func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read feed: %w", err)
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" || trimmed == "ping" {
			continue
		}
		var frame quoteFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Debug("feed frame discarded",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		s.apply(frame)
	}
}

func (s *Source) apply(frame quoteFrame) {
	ref := strings.TrimSpace(frame.Ref)
	if ref == "" {
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(frame.Currency))
	if currency == "" {
		currency = "USD"
	}
	record := schema.ProductRecord{
		Source:     Name,
		ProductID:  ref,
		Name:       strings.TrimSpace(frame.Name),
		Price:      shared.ParsePrice(frame.Price),
		Currency:   currency,
		URL:        frame.URL,
		CapturedAt: time.Now().UTC(),
	}
	if record.Name == "" {
		record.Name = ref
	}
	s.mu.Lock()
	s.quotes[ref] = record
	s.mu.Unlock()
}

func (s *Source) sleep(ctx context.Context, cfg *backoff.ExponentialBackOff) error {
	delay := cfg.NextBackOff()
	if delay == backoff.Stop {
		delay = maxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-time.After(delay):
		return nil
	}
}

// Search matches cached quote names case-insensitively.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, errs.New(Name, errs.KindPermanent, errs.WithOp("search"), errs.WithMessage("empty query"))
	}
	s.mu.RLock()
	records := make([]schema.ProductRecord, 0, len(s.quotes))
	for _, record := range s.quotes {
		if strings.Contains(strings.ToLower(record.Name), query) {
			records = append(records, record.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ProductID < records[j].ProductID })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// FetchByReference serves the latest cached quote. A reference with no quote
// yet fails transient so callers retry once the stream catches up.
func (s *Source) FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	s.mu.RLock()
	record, ok := s.quotes[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(Name, errs.KindTransient,
			errs.WithOp("fetch"),
			errs.WithMessage("no quote received yet"),
			errs.WithField("ref", ref))
	}
	clone := record.Clone()
	return &clone, nil
}

// ExtractIdentifier always returns empty: feed references are not URLs.
func (s *Source) ExtractIdentifier(string) string { return "" }
