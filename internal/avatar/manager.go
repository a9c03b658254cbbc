package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
)

// Store is the durable log: it records appends and replays them on start.
type Store interface {
	contextlog.Sink
	LoadMessages(ctx context.Context, avatarID string, limit int) ([]contextlog.Message, error)
}

// ManagerOptions are the collaborators shared by every avatar.
type ManagerOptions struct {
	Generators  *generators.Registry
	Gate        *tools.Gate
	Store       Store    // nil = memory only
	Notifier    Notifier // nil = discard
	Clock       clockwork.Clock
	ReplayLimit int // messages replayed per avatar on start (default 500)
}

// Manager is the registry of running avatars. Only Sync and StopAll create
// or remove entries.
type Manager struct {
	opts ManagerOptions

	syncMu  sync.Mutex
	mu      sync.RWMutex
	avatars map[string]*Orchestrator
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 500
	}
	return &Manager{opts: opts, avatars: make(map[string]*Orchestrator)}
}

// Sync brings the running set in line with cfg: removed avatars stop,
// changed ones rebuild, new ones start. An avatar that cannot be built is
// skipped; its error is included in the returned one.
func (m *Manager) Sync(ctx context.Context, cfg *config.Config) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if m.opts.Generators != nil {
		m.opts.Generators.Reset(cfg.Generators)
	}

	wanted := make(map[string]config.AvatarConfig)
	for _, a := range cfg.AvatarList() {
		wanted[a.ID] = a
	}

	m.mu.Lock()
	var remove []*Orchestrator
	for id, o := range m.avatars {
		if _, ok := wanted[id]; !ok {
			remove = append(remove, o)
			delete(m.avatars, id)
		}
	}
	existing := make(map[string]*Orchestrator, len(m.avatars))
	for id, o := range m.avatars {
		existing[id] = o
	}
	m.mu.Unlock()

	for _, o := range remove {
		o.Stop(ctx)
	}

	var errs []error
	for id, a := range wanted {
		if o, ok := existing[id]; ok {
			if reflect.DeepEqual(o.Config(), a) {
				continue
			}
			if err := o.Apply(a); err != nil {
				errs = append(errs, fmt.Errorf("avatar %s: %w", id, err))
			}
			continue
		}
		o, err := m.start(ctx, a, cfg.Dispatch)
		if o == nil {
			slog.Error("avatar start failed", "avatar", id, "error", err)
			errs = append(errs, fmt.Errorf("avatar %s: %w", id, err))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("avatar %s: %w", id, err))
		}
		m.mu.Lock()
		m.avatars[id] = o
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) start(ctx context.Context, a config.AvatarConfig, d config.DispatchConfig) (*Orchestrator, error) {
	var history []contextlog.Message
	var sink contextlog.Sink
	if m.opts.Store != nil {
		h, err := m.opts.Store.LoadMessages(ctx, a.ID, m.opts.ReplayLimit)
		if err != nil {
			return nil, fmt.Errorf("replay history: %w", err)
		}
		history, sink = h, m.opts.Store
	}
	if m.opts.Generators == nil {
		return nil, fmt.Errorf("no generator registry")
	}
	return New(Options{
		Config:     a,
		Dispatch:   d,
		Generators: m.opts.Generators,
		Gate:       m.opts.Gate,
		Sink:       sink,
		History:    history,
		Notifier:   m.opts.Notifier,
		Clock:      m.opts.Clock,
	})
}

// Get returns the running avatar with id.
func (m *Manager) Get(id string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.avatars[id]
	return o, ok
}

// List summarizes every running avatar, ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*Orchestrator, 0, len(m.avatars))
	for _, o := range m.avatars {
		all = append(all, o)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, o := range all {
		out = append(out, o.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll stops every avatar concurrently and empties the registry.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := m.avatars
	m.avatars = make(map[string]*Orchestrator)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range all {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.Stop(ctx)
		}(o)
	}
	wg.Wait()
}
