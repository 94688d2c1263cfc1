package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Checkpoint names used by the upload services.
const (
	CheckpointStatusUpload = "status_upload"
	CheckpointMinuteUpload = "minute_upload"
)

type CheckpointSQLite struct {
	db *sql.DB
}

func NewCheckpointSQLite(db *sql.DB) *CheckpointSQLite {
	return &CheckpointSQLite{db: db}
}

const (
	upsertCheckpointSQL = `
		INSERT INTO sync_checkpoint (name, last_ts) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_ts=excluded.last_ts
	`
	selectCheckpointSQL = `SELECT last_ts FROM sync_checkpoint WHERE name=?`
)

// Get returns the stored high-water mark; ok is false when the checkpoint has
// never been written.
func (r *CheckpointSQLite) Get(ctx context.Context, name string) (time.Time, bool, error) {
	var ts time.Time
	err := r.db.QueryRowContext(ctx, selectCheckpointSQL, name).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.UTC(), true, nil
}

func (r *CheckpointSQLite) Set(ctx context.Context, name string, ts time.Time) error {
	_, err := r.db.ExecContext(ctx, upsertCheckpointSQL, name, ts.UTC())
	return err
}
