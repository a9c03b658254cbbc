package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DataHookFunc runs once, after the SQL migration for its schema version.
type DataHookFunc func(ctx context.Context, db *sql.DB) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
}

var hooks []dataHook

// RegisterDataHook adds a hook for schemaVersion. Names must be unique;
// hooks run ordered by version, then by registration.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	hooks = append(hooks, dataHook{version: schemaVersion, name: name, fn: fn})
}

func ordered() []dataHook {
	out := append([]dataHook(nil), hooks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out
}

// PendingHooks lists hooks that have not been recorded as applied.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, h := range ordered() {
		if !applied[h.name] {
			pending = append(pending, h.name)
		}
	}
	return pending, nil
}

// RunPendingHooks runs every unapplied hook whose version the database has
// reached and records it in data_migrations. It stops at the first failure.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}
	status, err := CheckSchema(ctx, db)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, h := range ordered() {
		if applied[h.name] || h.version > status.Version {
			continue
		}
		start := time.Now()
		slog.Info("running data hook", "name", h.name, "schema_version", h.version)
		if err := h.fn(ctx, db); err != nil {
			return n, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO data_migrations (name, version) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			h.name, h.version,
		); err != nil {
			return n, fmt.Errorf("record data hook %q: %w", h.name, err)
		}
		slog.Info("data hook complete", "name", h.name, "duration", time.Since(start))
		n++
	}
	return n, nil
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations: %w", err)
	}
	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
