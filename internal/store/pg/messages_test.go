package pg

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/store"
)

// Runs against a migrated database named by AVATAR_SHELL_TEST_POSTGRES_DSN.
func testStore(t *testing.T) *PGMessageStore {
	t.Helper()
	dsn := os.Getenv("AVATAR_SHELL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AVATAR_SHELL_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPGStore(store.StoreConfig{PostgresDSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGMessageStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	avatar := "test-" + uuid.NewString()

	a := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, "one")
	b := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleBot, contextlog.LineSurface, "two")
	require.NoError(t, s.AppendMessages(ctx, avatar, []contextlog.Message{a, b}))
	require.NoError(t, s.AppendMessages(ctx, avatar, []contextlog.Message{a}))

	got, err := s.LoadMessages(ctx, avatar, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)

	last, err := s.LoadMessages(ctx, avatar, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, b.ID, last[0].ID)
}

func TestNewPGStore_RequiresDSN(t *testing.T) {
	_, err := NewPGStore(store.StoreConfig{})
	assert.Error(t, err)
}
