package cmd

import (
	"context"
	"fmt"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/store"
	"github.com/mfukushim/avatar-shell-sub000/internal/store/pg"
	"github.com/mfukushim/avatar-shell-sub000/internal/store/sqlite"
	"github.com/mfukushim/avatar-shell-sub000/internal/upgrade"
)

// openMessageStore opens the durable log selected by the config. Postgres
// must already be migrated to the schema this binary expects.
func openMessageStore(ctx context.Context, db config.DatabaseConfig) (store.MessageStore, error) {
	switch db.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		s, err := pg.NewPGStore(storeConfig(db))
		if err != nil {
			return nil, err
		}
		status, err := upgrade.CheckSchema(ctx, s.DB())
		if err == nil {
			err = status.Err()
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	case "", "sqlite":
		s, err := sqlite.Open(config.ExpandHome(db.SQLitePath))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func storeConfig(db config.DatabaseConfig) store.StoreConfig {
	return store.StoreConfig{Driver: db.Driver, SQLitePath: db.SQLitePath, PostgresDSN: db.PostgresDSN}
}
