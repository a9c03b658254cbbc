// Package upgrade checks the Postgres schema version against the binary
// and runs Go data hooks after SQL migrations.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary expects.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus is what schema_migrations says about the database.
type SchemaStatus struct {
	Version uint // 0 when no migration has run
	Dirty   bool
}

// Err returns nil when the database matches RequiredSchemaVersion, and a
// *SchemaError otherwise.
func (s SchemaStatus) Err() error {
	var kind error
	switch {
	case s.Dirty:
		kind = ErrSchemaDirty
	case s.Version < RequiredSchemaVersion:
		kind = ErrSchemaOutdated
	case s.Version > RequiredSchemaVersion:
		kind = ErrSchemaAhead
	default:
		return nil
	}
	return &SchemaError{Status: s, kind: kind}
}

// SchemaError is a version mismatch. Its message names the avatar-shell
// command that resolves it; errors.Is matches the ErrSchema* sentinels.
type SchemaError struct {
	Status SchemaStatus
	kind   error
}

func (e *SchemaError) Unwrap() error { return e.kind }

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s (database v%d, binary v%d); %s", e.kind, e.Status.Version, RequiredSchemaVersion, e.Fix())
}

// Fix is the operator action for the mismatch.
func (e *SchemaError) Fix() string {
	switch e.kind {
	case ErrSchemaDirty:
		prev := e.Status.Version
		if prev > 0 {
			prev--
		}
		return fmt.Sprintf("run `avatar-shell migrate force %d` then `avatar-shell migrate up`", prev)
	case ErrSchemaAhead:
		return fmt.Sprintf("upgrade avatar-shell to a release with schema v%d", e.Status.Version)
	default:
		return "run `avatar-shell migrate up`"
	}
}

// CheckSchema reads golang-migrate's schema_migrations table. A missing or
// empty table is reported as version 0, i.e. a fresh database.
func CheckSchema(ctx context.Context, db *sql.DB) (SchemaStatus, error) {
	var s SchemaStatus
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&s.Version, &s.Dirty)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return s, err
	}
	// The table does not exist until the first migrate up.
	return SchemaStatus{}, nil
}
