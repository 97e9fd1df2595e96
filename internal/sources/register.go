// Package sources wires built-in source adapters into the source registry.
package sources

import (
	"github.com/coachpo/pricemesh/internal/source"
	"github.com/coachpo/pricemesh/internal/sources/amazon"
	"github.com/coachpo/pricemesh/internal/sources/ebay"
	"github.com/coachpo/pricemesh/internal/sources/fake"
	"github.com/coachpo/pricemesh/internal/sources/feed"
	"github.com/coachpo/pricemesh/internal/sources/jd"
	"github.com/coachpo/pricemesh/internal/sources/script"
	"github.com/coachpo/pricemesh/internal/sources/walmart"
)

// RegisterAll installs every built-in source adapter into the provided registry.
func RegisterAll(reg *source.Registry) {
	if reg == nil {
		return
	}
	amazon.RegisterFactory(reg)
	ebay.RegisterFactory(reg)
	walmart.RegisterFactory(reg)
	jd.RegisterFactory(reg)
	fake.RegisterFactory(reg)
	feed.RegisterFactory(reg)
	script.RegisterFactory(reg)
}
