package config

import (
	"fmt"
	"strings"

	"github.com/coachpo/pricemesh/internal/ratelimit"
	"github.com/coachpo/pricemesh/internal/schema"
)

// SourceConfig declares one collection source instance.
type SourceConfig struct {
	Name     string            `yaml:"name"`
	Enabled  bool              `yaml:"enabled"`
	Limits   *ratelimit.Limits `yaml:"limits"`
	Settings map[string]any    `yaml:"settings"`
}

// ReferenceConfig declares one monitored product. A reference carries either a
// source/ref pair or a product page URL resolved against the configured
// sources at startup.
type ReferenceConfig struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Ref    string `yaml:"ref"`
	URL    string `yaml:"url"`
}

// Validate checks that the reference names exactly one addressing form.
func (r ReferenceConfig) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("reference name required")
	}
	hasURL := strings.TrimSpace(r.URL) != ""
	hasSource := strings.TrimSpace(r.Source) != ""
	hasRef := strings.TrimSpace(r.Ref) != ""
	if hasURL {
		if hasSource || hasRef {
			return fmt.Errorf("reference %s: url and source/ref are mutually exclusive", r.Name)
		}
		return nil
	}
	if !hasSource || !hasRef {
		return fmt.Errorf("reference %s: source and ref, or url, required", r.Name)
	}
	return nil
}

// Direct reports whether the reference addresses a source natively rather
// than through a URL.
func (r ReferenceConfig) Direct() bool {
	return strings.TrimSpace(r.URL) == ""
}

// Reference converts a direct reference into its schema form.
func (r ReferenceConfig) Reference() schema.Reference {
	return schema.Reference{
		Name:   strings.TrimSpace(r.Name),
		Source: strings.ToLower(strings.TrimSpace(r.Source)),
		Ref:    strings.TrimSpace(r.Ref),
	}
}

// EnabledSources returns the configured sources that are switched on, in
// configuration order.
func (c AppConfig) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}
