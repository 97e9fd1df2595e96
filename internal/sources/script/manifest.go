package script

import (
	"net/http"

	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// RegisterFactory registers the script source with the supplied registry.
func RegisterFactory(reg *source.Registry) {
	reg.Register(source.Descriptor{Name: Name, Title: "Scripted"}, func(client *http.Client, cfg map[string]any) (source.Source, error) {
		opts := Options{HTTP: client}
		if modulePath, ok := shared.StringSetting(cfg, "module"); ok {
			opts.ModulePath = modulePath
		}
		if baseURL, ok := shared.StringSetting(cfg, "base_url"); ok {
			opts.BaseURL = baseURL
		}
		return NewSource(opts)
	})
}
