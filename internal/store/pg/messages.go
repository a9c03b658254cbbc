package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres. The
// schema is owned by the migrations directory.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

// DB exposes the pool, e.g. for schema checks.
func (s *PGMessageStore) DB() *sql.DB { return s.db }

// AppendMessages writes msgs in one transaction. Ids already stored for
// the avatar are ignored, so a retried append is harmless.
func (s *PGMessageStore) AppendMessages(ctx context.Context, avatarID string, msgs []contextlog.Message) error {
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
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (avatar_id, id) DO NOTHING`,
			avatarID, row.ID, m.Timestamp, row.Class, row.Role, row.ContextLine, row.Body,
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PGMessageStore) LoadMessages(ctx context.Context, avatarID string, limit int) ([]contextlog.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT body FROM (
			   SELECT seq, body FROM avatar_messages WHERE avatar_id = $1 ORDER BY seq DESC LIMIT $2
			 ) t ORDER BY seq ASC`, avatarID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT body FROM avatar_messages WHERE avatar_id = $1 ORDER BY seq ASC`, avatarID)
	}
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

func (s *PGMessageStore) Close() error { return s.db.Close() }
