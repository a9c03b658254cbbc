package avatar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
)

type memStore struct {
	mu   sync.Mutex
	msgs map[string][]contextlog.Message
}

func newMemStore() *memStore { return &memStore{msgs: make(map[string][]contextlog.Message)} }

func (s *memStore) AppendMessages(_ context.Context, avatarID string, msgs []contextlog.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[avatarID] = append(s.msgs[avatarID], msgs...)
	return nil
}

func (s *memStore) LoadMessages(_ context.Context, avatarID string, limit int) ([]contextlog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[avatarID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]contextlog.Message(nil), all...), nil
}

func echoConfig(avatars ...config.AvatarConfig) *config.Config {
	return &config.Config{
		Avatars:    avatars,
		Generators: map[string]config.GeneratorConfig{"main": {Kind: "echo"}},
	}
}

func stopAll(m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.StopAll(ctx)
}

func TestManager_SyncCreatesUpdatesRemoves(t *testing.T) {
	m := NewManager(ManagerOptions{
		Generators: generators.NewRegistry(nil, generators.Deps{}),
		Clock:      clockwork.NewFakeClock(),
	})
	defer stopAll(m)
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx, echoConfig(
		config.AvatarConfig{ID: "mika", Generator: "main"},
		config.AvatarConfig{ID: "rin", Generator: "main"},
	)))
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "mika", list[0].ID)
	assert.Equal(t, "rin", list[1].ID)
	mika, _ := m.Get("mika")

	require.NoError(t, m.Sync(ctx, echoConfig(
		config.AvatarConfig{ID: "mika", Name: "Mika", Generator: "main", Daemons: []config.DaemonDefinition{
			daemonDef("t", config.TriggerOneShotMinutes, config.TriggerCondition{Minutes: 10}, config.DaemonAction{Generator: "main"}),
		}},
	)))
	list = m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Mika", list[0].Name)
	assert.Equal(t, []string{"t"}, list[0].Timers)

	same, ok := m.Get("mika")
	require.True(t, ok)
	assert.Same(t, mika, same, "reconfigured in place")
	_, ok = m.Get("rin")
	assert.False(t, ok)
}

func TestManager_ReplaysHistoryFromStore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	prior := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, "remember me")
	require.NoError(t, store.AppendMessages(ctx, "mika", []contextlog.Message{prior}))

	m := NewManager(ManagerOptions{
		Generators: generators.NewRegistry(nil, generators.Deps{}),
		Store:      store,
		Clock:      clockwork.NewFakeClock(),
	})
	defer stopAll(m)
	require.NoError(t, m.Sync(ctx, echoConfig(config.AvatarConfig{ID: "mika", Generator: "main"})))

	o, ok := m.Get("mika")
	require.True(t, ok)
	require.Len(t, o.Messages(), 1)
	assert.Equal(t, prior.ID, o.Messages()[0].ID)

	_, err := o.Say(ctx, "alice", "hi")
	require.NoError(t, err)
	eventuallyLen(t, o, 3)
	idle(t, o)

	stored, err := store.LoadMessages(ctx, "mika", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Equal(t, "echo: hi", stored[2].Text())
}

func TestManager_ConfigErrorKeepsAvatar(t *testing.T) {
	m := NewManager(ManagerOptions{
		Generators: generators.NewRegistry(nil, generators.Deps{}),
		Clock:      clockwork.NewFakeClock(),
	})
	defer stopAll(m)

	err := m.Sync(context.Background(), echoConfig(config.AvatarConfig{ID: "mika", Generator: "main", Daemons: []config.DaemonDefinition{
		daemonDef("bad", "sometimes", config.TriggerCondition{}, config.DaemonAction{}),
	}}))
	require.ErrorIs(t, err, config.ErrUnknownTrigger)
	_, ok := m.Get("mika")
	assert.True(t, ok)
}
