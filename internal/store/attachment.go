package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetAttachment returns an attachment row, or nil if it does not exist.
func (db *DB) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	var a Attachment
	var content []byte
	err := db.QueryRowContext(ctx, `
		SELECT id, message_id, part_id, filename, mime_type, size, content, remote_ref, fetched
		FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.MessageID, &a.PartID, &a.Filename, &a.MimeType, &a.Size, &content, &a.RemoteRef, &a.Fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get attachment", err)
	}
	a.Content = content
	return &a, nil
}

// ListAttachments returns the attachments of a message without content.
func (db *DB) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, part_id, filename, mime_type, size, remote_ref, fetched
		FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, wrapErr("list attachments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.PartID, &a.Filename, &a.MimeType, &a.Size, &a.RemoteRef, &a.Fetched); err != nil {
			return nil, wrapErr("list attachments", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list attachments", rows.Err())
}

// StoreAttachmentContent fills in content fetched lazily.
func (db *DB) StoreAttachmentContent(ctx context.Context, id int64, content []byte) error {
	res, err := db.ExecContext(ctx, `
		UPDATE attachments SET content = ?, size = ?, fetched = 1 WHERE id = ?`,
		content, len(content), id)
	if err != nil {
		return wrapErr("store attachment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &Error{Op: "store attachment", Err: sql.ErrNoRows}
	}
	return nil
}
