package ebay

import (
	"net/http"

	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// RegisterFactory registers the eBay source with the supplied registry.
func RegisterFactory(reg *source.Registry) {
	reg.Register(source.Descriptor{Name: Name, Title: "eBay"}, func(client *http.Client, cfg map[string]any) (source.Source, error) {
		opts := Options{HTTP: client}
		if baseURL, ok := shared.StringSetting(cfg, "base_url"); ok {
			opts.BaseURL = baseURL
		}
		if token, ok := shared.StringSetting(cfg, "token"); ok {
			opts.Token = token
		}
		return NewSource(opts), nil
	})
}
