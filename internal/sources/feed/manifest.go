package feed

import (
	"net/http"

	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// RegisterFactory registers the feed source with the supplied registry.
func RegisterFactory(reg *source.Registry) {
	reg.Register(source.Descriptor{Name: Name, Title: "Live quote feed"}, func(_ *http.Client, cfg map[string]any) (source.Source, error) {
		opts := Options{}
		if feedURL, ok := shared.StringSetting(cfg, "url"); ok {
			opts.URL = feedURL
		}
		return NewSource(opts), nil
	})
}
