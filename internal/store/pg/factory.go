package pg

import (
	"fmt"

	"github.com/mfukushim/avatar-shell-sub000/internal/store"
)

// NewPGStore opens the Postgres message store (managed mode).
func NewPGStore(cfg store.StoreConfig) (*PGMessageStore, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is not set")
	}
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPGMessageStore(db), nil
}
