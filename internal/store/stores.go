// Package store holds the durable avatar log backends.
package store

import (
	"context"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// MessageStore records every message appended to an avatar's log and
// replays the log when the avatar starts again.
type MessageStore interface {
	AppendMessages(ctx context.Context, avatarID string, msgs []contextlog.Message) error
	// LoadMessages returns the last limit messages in append order.
	// A non-positive limit returns everything.
	LoadMessages(ctx context.Context, avatarID string, limit int) ([]contextlog.Message, error)
	Close() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Driver      string // "sqlite", "postgres", "memory"
	SQLitePath  string
	PostgresDSN string
}
