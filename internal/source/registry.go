package source

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Factory constructs a source instance from the shared HTTP client plus
// free-form settings taken from configuration.
type Factory func(client *http.Client, cfg map[string]any) (Source, error)

type registration struct {
	descriptor Descriptor
	factory    Factory
}

// Registry maintains source factories keyed by canonical name and alias.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	aliases map[string]string
}

// NewRegistry creates an empty source factory registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
		aliases: make(map[string]string),
	}
}

// Register installs a factory under the descriptor's name and aliases.
func (r *Registry) Register(desc Descriptor, factory Factory) {
	if factory == nil {
		panic("source factory required")
	}
	name := canonical(desc.Name)
	if name == "" {
		panic("source name required")
	}
	desc.Name = name
	r.mu.Lock()
	r.entries[name] = registration{descriptor: desc, factory: factory}
	for _, alias := range desc.Aliases {
		if alias = canonical(alias); alias != "" {
			r.aliases[alias] = name
		}
	}
	r.mu.Unlock()
}

// New instantiates the named source. Aliases resolve to their canonical
// registration.
func (r *Registry) New(name string, client *http.Client, cfg map[string]any) (Source, error) {
	r.mu.RLock()
	entry, ok := r.entries[r.resolveLocked(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q not registered", name)
	}
	src, err := entry.factory(client, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate source %s: %w", entry.descriptor.Name, err)
	}
	return src, nil
}

// Lookup returns the descriptor registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[r.resolveLocked(name)]
	return entry.descriptor, ok
}

// Names returns the canonical source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Descriptors returns every registered descriptor sorted by canonical name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	descriptors := make([]Descriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		descriptors = append(descriptors, entry.descriptor)
	}
	r.mu.RUnlock()
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

func (r *Registry) resolveLocked(name string) string {
	name = canonical(name)
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
