package store

import (
	"context"
	"time"
)

// RecordRun stores the outcome of a sync run.
func (db *DB) RecordRun(ctx context.Context, r *Run) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, account, started_at, finished_at, outcome, listed, inserted, changed,
			unchanged, skipped, not_found, errored, batches, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			listed = excluded.listed,
			inserted = excluded.inserted,
			changed = excluded.changed,
			unchanged = excluded.unchanged,
			skipped = excluded.skipped,
			not_found = excluded.not_found,
			errored = excluded.errored,
			batches = excluded.batches,
			error = excluded.error`,
		r.ID, r.Account, unixMilli(r.StartedAt), unixMilli(r.FinishedAt), r.Outcome, r.Listed, r.Inserted, r.Changed,
		r.Unchanged, r.Skipped, r.NotFound, r.Errored, r.Batches, r.Error)
	return wrapErr("record run", err)
}

type runRow struct {
	ID         string `db:"id"`
	Account    string `db:"account"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Outcome    string `db:"outcome"`
	Listed     int    `db:"listed"`
	Inserted   int    `db:"inserted"`
	Changed    int    `db:"changed"`
	Unchanged  int    `db:"unchanged"`
	Skipped    int    `db:"skipped"`
	NotFound   int    `db:"not_found"`
	Errored    int    `db:"errored"`
	Batches    int    `db:"batches"`
	Error      string `db:"error"`
}

// LastRuns returns the most recent runs of an account, newest first.
func (db *DB) LastRuns(ctx context.Context, account string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []runRow
	if err := db.x.SelectContext(ctx, &rows, `
		SELECT id, account, started_at, finished_at, outcome, listed, inserted, changed,
			unchanged, skipped, not_found, errored, batches, error
		FROM sync_runs WHERE account = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, account, limit); err != nil {
		return nil, wrapErr("last runs", err)
	}
	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, Run{
			ID:         r.ID,
			Account:    r.Account,
			StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
			FinishedAt: time.UnixMilli(r.FinishedAt).UTC(),
			Outcome:    r.Outcome,
			Listed:     r.Listed,
			Inserted:   r.Inserted,
			Changed:    r.Changed,
			Unchanged:  r.Unchanged,
			Skipped:    r.Skipped,
			NotFound:   r.NotFound,
			Errored:    r.Errored,
			Batches:    r.Batches,
			Error:      r.Error,
		})
	}
	return runs, nil
}

// RecordFailure queues a message for retry on the next run.
func (db *DB) RecordFailure(ctx context.Context, account, messageID, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_failures (account, message_id, reason, attempts, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(account, message_id) DO UPDATE SET
			reason = excluded.reason,
			attempts = sync_failures.attempts + 1,
			updated_at = excluded.updated_at`,
		account, messageID, reason, time.Now().UnixMilli())
	return wrapErr("record failure", err)
}

// PendingFailures returns queued failures, oldest first.
func (db *DB) PendingFailures(ctx context.Context, account string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT account, message_id, reason, attempts, updated_at
		FROM sync_failures WHERE account = ?
		ORDER BY updated_at, message_id
		LIMIT ?`, account, limit)
	if err != nil {
		return nil, wrapErr("pending failures", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Failure
	for rows.Next() {
		var f Failure
		var updated int64
		if err := rows.Scan(&f.Account, &f.MessageID, &f.Reason, &f.Attempts, &updated); err != nil {
			return nil, wrapErr("pending failures", err)
		}
		f.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, f)
	}
	return out, wrapErr("pending failures", rows.Err())
}

// ClearFailure removes a message from the retry queue.
func (db *DB) ClearFailure(ctx context.Context, account, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_failures WHERE account = ? AND message_id = ?`, account, messageID)
	return wrapErr("clear failure", err)
}
