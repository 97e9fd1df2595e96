package source

import "sync"

// Catalog holds the instantiated sources of a running process keyed by
// canonical name, preserving configuration order.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]Source
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]Source)}
}

// Add installs a source under its canonical name, replacing any previous
// instance with the same name.
func (c *Catalog) Add(src Source) {
	if src == nil {
		return
	}
	name := canonical(src.Name())
	if name == "" {
		return
	}
	c.mu.Lock()
	if _, exists := c.sources[name]; !exists {
		c.order = append(c.order, name)
	}
	c.sources[name] = src
	c.mu.Unlock()
}

// Get returns the named source.
func (c *Catalog) Get(name string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[canonical(name)]
	return src, ok
}

// All returns the sources in configuration order.
func (c *Catalog) All() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Source, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.sources[name])
	}
	return out
}

// Names returns the canonical names in configuration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len reports how many sources are installed.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}
