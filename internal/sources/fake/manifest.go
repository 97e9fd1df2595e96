package fake

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/shared"
)

// RegisterFactory registers the fake source with the supplied registry.
func RegisterFactory(reg *source.Registry) {
	reg.Register(source.Descriptor{Name: Name, Title: "Fake (synthetic)"}, func(_ *http.Client, cfg map[string]any) (source.Source, error) {
		opts := Options{}
		if latency, ok := shared.DurationSetting(cfg, "latency"); ok {
			opts.Latency = latency
		}
		if step, ok := shared.StringSetting(cfg, "price_step"); ok {
			if parsed, err := decimal.NewFromString(step); err == nil {
				opts.PriceStep = parsed
			}
		}
		return NewSource(opts), nil
	})
}
