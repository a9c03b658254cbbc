package generators

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/providers"
)

// ErrUnknownGenerator is returned for a generator name or kind with no constructor.
var ErrUnknownGenerator = errors.New("unknown generator")

// ErrMissingCredentials marks a generator configured without the secret it needs.
var ErrMissingCredentials = errors.New("generator credentials missing")

// Generator produces output units for an input unit. history is the
// visible context the generator may use; it grows on every call.
type Generator interface {
	Name() string
	GenerateContext(ctx context.Context, unit Unit, history []contextlog.Message) ([]Unit, error)
}

// ToolSource lists the tools an avatar may call, in provider form.
type ToolSource interface {
	Definitions(avatarID string) []providers.ToolDefinition
}

// StreamFunc receives partial generator text for display.
type StreamFunc func(avatarID, generator, chunk string)

// Deps are the collaborators a generator may use. All fields are optional.
type Deps struct {
	Tools   ToolSource
	Stream  StreamFunc
	Persona func(avatarID string) string
}

// Factory constructs a generator of one kind.
type Factory func(name string, cfg config.GeneratorConfig, deps Deps) (Generator, error)

// Registry maps generator names from the config to constructed generators.
// Construction is lazy and cached until Reset. Generators installed with
// Put are not part of the config and survive Reset.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	configs   map[string]config.GeneratorConfig
	factories map[string]Factory
	built     map[string]Generator
	installed map[string]Generator
}

// NewRegistry creates a registry with the builtin kinds registered.
func NewRegistry(configs map[string]config.GeneratorConfig, deps Deps) *Registry {
	r := &Registry{
		deps:      deps,
		configs:   configs,
		factories: make(map[string]Factory),
		built:     make(map[string]Generator),
		installed: make(map[string]Generator),
	}
	r.Register("echo", newEcho)
	r.Register("static", newStatic)
	r.Register("openai", newLLM)
	r.Register("anthropic", newLLM)
	r.Register("dashscope", newLLM)
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Put installs a ready generator under name, bypassing the config.
func (r *Registry) Put(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed[name] = g
}

// Reset swaps the generator configs and drops every instance built from
// the previous ones, so a removed name stops resolving.
func (r *Registry) Reset(configs map[string]config.GeneratorConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = configs
	r.built = make(map[string]Generator)
}

// Get returns the generator for name, constructing it on first use.
func (r *Registry) Get(name string) (Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.installed[name]; ok {
		return g, nil
	}
	if g, ok := r.built[name]; ok {
		return g, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, name)
	}
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q has kind %q", ErrUnknownGenerator, name, cfg.Kind)
	}
	g, err := f(name, cfg, r.deps)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", name, err)
	}
	r.built[name] = g
	return g, nil
}
