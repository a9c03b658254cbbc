package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

func TestMemoryStore_LoadLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var msgs []contextlog.Message
	for _, text := range []string{"a", "b", "c"} {
		msgs = append(msgs, contextlog.NewText(contextlog.ClassTalk, contextlog.RoleHuman, contextlog.LineSurface, text))
	}
	require.NoError(t, s.AppendMessages(ctx, "mika", msgs))

	got, err := s.LoadMessages(ctx, "mika", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Text())

	none, err := s.LoadMessages(ctx, "rin", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCodec_KeepsPayload(t *testing.T) {
	m := contextlog.NewText(contextlog.ClassTalk, contextlog.RoleToolResponse, contextlog.LineInner, "")
	m.Content = contextlog.Content{Kind: contextlog.ContentToolResponse, ToolResults: []contextlog.ToolResult{{CallID: "c1", Name: "search", Output: "ok", IsError: true}}}
	m.External = true

	row, err := EncodeRow(m)
	require.NoError(t, err)
	assert.Equal(t, "toolRes", row.Role)
	assert.Equal(t, "inner", row.ContextLine)

	back, err := DecodeBody(row.Body)
	require.NoError(t, err)
	assert.Equal(t, m.Content, back.Content)
	assert.True(t, back.External)
	assert.True(t, m.Timestamp.Equal(back.Timestamp))
}
