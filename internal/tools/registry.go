package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mfukushim/avatar-shell-sub000/internal/providers"
)

// Descriptor describes one tool offered by a catalog.
type Descriptor struct {
	Catalog     string
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Catalog is a tool provider: a named group of tools behind one invoke entry point.
type Catalog interface {
	Name() string
	ListTools() []Descriptor
	Invoke(ctx context.Context, tool string, input map[string]any) (*Result, error)
}

// Registry holds the tool catalogs known to the process.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string]Catalog
}

func NewRegistry() *Registry {
	return &Registry{catalogs: make(map[string]Catalog)}
}

// Register adds or replaces a catalog.
func (r *Registry) Register(c Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[c.Name()] = c
}

// Catalog returns the catalog by name.
func (r *Registry) Catalog(name string) (Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[name]
	return c, ok
}

// Resolve finds the catalog owning tool. Catalogs are searched in name
// order so the result is stable when two catalogs share a tool name.
func (r *Registry) Resolve(tool string) (Descriptor, bool) {
	for _, d := range r.List() {
		if d.Name == tool {
			return d, true
		}
	}
	return Descriptor{}, false
}

// List returns every tool of every catalog, sorted by catalog then tool.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	cats := make([]Catalog, 0, len(r.catalogs))
	for _, c := range r.catalogs {
		cats = append(cats, c)
	}
	r.mu.RUnlock()
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name() < cats[j].Name() })

	var out []Descriptor
	for _, c := range cats {
		tools := c.ListTools()
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, d := range tools {
			d.Catalog = c.Name()
			out = append(out, d)
		}
	}
	return out
}

// Invoke runs tool in catalog. A panicking tool is reported as an error.
func (r *Registry) Invoke(ctx context.Context, catalog, tool string, input map[string]any) (res *Result, err error) {
	c, ok := r.Catalog(catalog)
	if !ok {
		return nil, fmt.Errorf("unknown catalog %q", catalog)
	}
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("tool %s panicked: %v", tool, p)
		}
	}()
	return c.Invoke(ctx, tool, input)
}

// ToProviderDef converts a descriptor into a provider tool definition.
func ToProviderDef(d Descriptor) providers.ToolDefinition {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}
