package pg

import (
	"context"
	"database/sql"

	"github.com/mfukushim/avatar-shell-sub000/internal/upgrade"
)

func init() {
	// Refresh planner statistics for the replay index.
	upgrade.RegisterDataHook(1, "001_analyze_avatar_messages", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, "ANALYZE avatar_messages")
		return err
	})
}
