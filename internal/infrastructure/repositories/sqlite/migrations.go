package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration moves the schema forward by one version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Migrate applies every migration newer than PRAGMA user_version, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.SugaredLogger) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		logger.Debugw("schema is up to date", "current_version", version)
		return nil
	}

	for _, m := range getMigrations() {
		if m.Version <= version {
			continue
		}
		logger.Infow("running migration", "version", m.Version)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS sessions(
				  session_id  TEXT    PRIMARY KEY,
				  created_ms  INTEGER NOT NULL
				);
				CREATE TABLE IF NOT EXISTS segments(
				  session_id       TEXT    NOT NULL REFERENCES sessions(session_id),
				  local_id         TEXT    NOT NULL,
				  remote_id        TEXT    NOT NULL DEFAULT '',
				  content_type     TEXT    NOT NULL,
				  start_offset_ms  INTEGER NOT NULL,
				  end_offset_ms    INTEGER NOT NULL,
				  input_logs       TEXT    NOT NULL CHECK (json_valid(input_logs)),
				  blob_name        TEXT    NOT NULL,
				  size_bytes       INTEGER NOT NULL,
				  state            TEXT    NOT NULL CHECK (state IN ('PENDING','UPLOADING','UPLOADED','FAILED')),
				  attempts         INTEGER NOT NULL DEFAULT 0,
				  last_error       TEXT    NOT NULL DEFAULT '',
				  claim_owner      TEXT    NOT NULL DEFAULT '',
				  claim_expires_ms INTEGER NOT NULL DEFAULT 0,
				  retry_at_ms      INTEGER NOT NULL DEFAULT 0,
				  created_ms       INTEGER NOT NULL,
				  updated_ms       INTEGER NOT NULL,
				  PRIMARY KEY (session_id, local_id)
				);
				CREATE INDEX IF NOT EXISTS idx_segments_state   ON segments(state);
				CREATE INDEX IF NOT EXISTS idx_segments_created ON segments(created_ms);
				`)
				return err
			},
		},
	}
}
