package store

import (
	"context"
	"time"
)

// UpsertLabels stores the remote label catalogue, renaming placeholders
// created for ids seen on messages first.
func (db *DB) UpsertLabels(ctx context.Context, labels []Label) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin labels", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, l := range labels {
		name := l.Name
		if name == "" {
			name = l.ID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO labels (id, name, type, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				updated_at = excluded.updated_at`,
			l.ID, name, l.Type, now); err != nil {
			return wrapErr("upsert label", err)
		}
	}
	return wrapErr("commit labels", tx.Commit())
}

// MessageLabels returns the label ids linked to a message, sorted.
func (db *DB) MessageLabels(ctx context.Context, messageID string) ([]string, error) {
	var ids []string
	err := db.x.SelectContext(ctx, &ids, `
		SELECT label_id FROM message_labels WHERE message_id = ? ORDER BY label_id`, messageID)
	return ids, wrapErr("message labels", err)
}
