package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LoadCheckpoint returns the account's checkpoint. An account that never
// synced gets a zero checkpoint, which means a full sync.
func (db *DB) LoadCheckpoint(ctx context.Context, account string) (Checkpoint, error) {
	cp := Checkpoint{Account: account}
	var lastRun int64
	err := db.QueryRowContext(ctx, `
		SELECT cursor, since_watermark, target_watermark, last_run_at
		FROM sync_state WHERE account = ?`, account).
		Scan(&cp.Cursor, &cp.Since, &cp.Target, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, wrapErr("load checkpoint", err)
	}
	if lastRun > 0 {
		cp.LastRunAt = time.UnixMilli(lastRun).UTC()
	}
	return cp, nil
}

// SaveCheckpoint persists cp. Callers only save after a batch is committed.
func (db *DB) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (account, cursor, since_watermark, target_watermark, last_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			cursor = excluded.cursor,
			since_watermark = excluded.since_watermark,
			target_watermark = excluded.target_watermark,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at`,
		cp.Account, cp.Cursor, cp.Since, cp.Target, unixMilli(cp.LastRunAt), time.Now().UnixMilli())
	return wrapErr("save checkpoint", err)
}

// ResetCheckpoint forgets the account's position so the next run is a full sync.
func (db *DB) ResetCheckpoint(ctx context.Context, account string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE account = ?`, account)
	return wrapErr("reset checkpoint", err)
}
