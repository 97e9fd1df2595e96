package amazon

import (
	"net/http"

	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// RegisterFactory registers the Amazon source with the supplied registry.
func RegisterFactory(reg *source.Registry) {
	reg.Register(source.Descriptor{Name: Name, Title: "Amazon"}, func(client *http.Client, cfg map[string]any) (source.Source, error) {
		opts := Options{HTTP: client}
		if baseURL, ok := shared.StringSetting(cfg, "base_url"); ok {
			opts.BaseURL = baseURL
		}
		if apiKey, ok := shared.StringSetting(cfg, "api_key"); ok {
			opts.APIKey = apiKey
		}
		return NewSource(opts), nil
	})
}
