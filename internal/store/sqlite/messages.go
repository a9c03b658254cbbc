// Package sqlite is the default single-file message store, built on the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS avatar_messages (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    avatar_id    TEXT NOT NULL,
    id           TEXT NOT NULL,
    ts           TIMESTAMP NOT NULL,
    class        TEXT NOT NULL,
    role         TEXT NOT NULL,
    context_line TEXT NOT NULL,
    body         BLOB NOT NULL,
    UNIQUE (avatar_id, id)
);
CREATE INDEX IF NOT EXISTS idx_avatar_messages_avatar_seq ON avatar_messages (avatar_id, seq);
`

// Store implements store.MessageStore on a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; readers share the same connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AppendMessages(ctx context.Context, avatarID string, msgs []contextlog.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		row, err := store.EncodeRow(m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO avatar_messages (avatar_id, id, ts, class, role, context_line, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (avatar_id, id) DO NOTHING`,
			avatarID, row.ID, m.Timestamp.UTC(), row.Class, row.Role, row.ContextLine, row.Body,
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadMessages(ctx context.Context, avatarID string, limit int) ([]contextlog.Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM (
		   SELECT seq, body FROM avatar_messages WHERE avatar_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, avatarID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []contextlog.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		m, err := store.DecodeBody(body)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
