// Package source defines the contract implemented by every price platform.
package source

import (
	"context"

	"github.com/coachpo/pricemesh/internal/schema"
)

// Source is a single upstream price platform.
type Source interface {
	// Name returns the canonical source name.
	Name() string

	// Search returns up to limit records matching the query. An empty result
	// is not an error.
	Search(ctx context.Context, query string, limit int) ([]schema.ProductRecord, error)

	// FetchByReference returns the current record for a native product
	// identifier.
	FetchByReference(ctx context.Context, ref string) (*schema.ProductRecord, error)

	// ExtractIdentifier derives the native product identifier from a product
	// page URL. It returns empty when the URL does not belong to this source.
	ExtractIdentifier(rawURL string) string
}

// Streamer is an optional capability for sources that maintain a live feed in
// the background.
type Streamer interface {
	// Run maintains the feed until ctx is cancelled.
	Run(ctx context.Context) error
}

// Descriptor describes a registered source.
type Descriptor struct {
	Name    string   `json:"name"`
	Title   string   `json:"title"`
	Aliases []string `json:"aliases,omitempty"`
}

// Resolve returns the first source able to extract an identifier from the
// URL, along with the extracted identifier. Sources are consulted in slice
// order.
func Resolve(sources []Source, rawURL string) (Source, string, bool) {
	if rawURL == "" {
		return nil, "", false
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		if id := src.ExtractIdentifier(rawURL); id != "" {
			return src, id, true
		}
	}
	return nil, "", false
}
