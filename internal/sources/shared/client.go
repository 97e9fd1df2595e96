// Package shared provides the HTTP plumbing common to REST-backed sources.
package shared

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricemesh/errs"
)

const (
	userAgent = "pricemesh-collector/1.0"

	// maxResponseBytes caps how much of an upstream body is decoded.
	maxResponseBytes = 4 << 20
	// maxErrorSnippet caps how much of an error body is kept for diagnostics.
	maxErrorSnippet = 4 << 10
)

// Client issues JSON requests against one source and classifies failures into
// the shared error taxonomy. Deadlines come from the caller's context.
type Client struct {
	source  string
	baseURL string
	headers map[string]string
	http    *http.Client
}

// NewClient builds a client for the named source rooted at baseURL. A nil
// httpClient falls back to a plain default client.
func NewClient(source, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		source:  source,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		headers: make(map[string]string),
		http:    httpClient,
	}
}

// SetHeader installs a header sent with every request, typically credentials.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// BaseURL returns the configured root endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetJSON issues a GET against path with query params and decodes the JSON
// response into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New(c.source, errs.KindPermanent,
			errs.WithOp("request"),
			errs.WithMessage("build request"),
			errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Classify(c.source, "request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := decoder.Decode(out); err != nil {
		return errs.New(c.source, errs.KindPermanent,
			errs.WithOp("decode"),
			errs.WithMessage("decode response"),
			errs.WithCause(err))
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
	snippet := strings.TrimSpace(string(body))
	return errs.New(c.source, kindForStatus(resp.StatusCode),
		errs.WithOp("request"),
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage("unexpected status"),
		errs.WithRawMessage(snippet))
}

func kindForStatus(status int) errs.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.KindThrottled
	case status == http.StatusRequestTimeout:
		return errs.KindTransient
	case status >= 400 && status < 500:
		return errs.KindPermanent
	default:
		return errs.KindTransient
	}
}
