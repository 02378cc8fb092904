package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MutableHash fingerprints the remotely mutable state of a message: its label
// set, which also carries the read and starred flags.
func MutableHash(labelIDs []string) string {
	ids := slices.Clone(labelIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// UpsertMessage inserts m, or updates only the mutable fields of an existing
// row. Sender, dates, subject, bodies, recipients and attachments of a stored
// message are never rewritten.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) (UpsertResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	hash := MutableHash(m.LabelIDs)
	now := time.Now().UnixMilli()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT mutable_hash FROM messages WHERE id = ?`, m.ID).Scan(&stored)
	var result UpsertResult
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertMessage(ctx, tx, m, hash, now); err != nil {
			return 0, err
		}
		result = Inserted
	case err != nil:
		return 0, wrapErr("select message", err)
	case stored == hash:
		return Unchanged, nil
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_unread = ?, is_starred = ?, mutable_hash = ?, updated_at = ?
			WHERE id = ?`,
			m.IsUnread, m.IsStarred, hash, now, m.ID); err != nil {
			return 0, wrapErr("update message", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_labels WHERE message_id = ?`, m.ID); err != nil {
			return 0, wrapErr("clear labels", err)
		}
		if err := insertLabels(ctx, tx, m.ID, m.LabelIDs, now); err != nil {
			return 0, err
		}
		result = Changed
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("commit upsert", err)
	}
	return result, nil
}

func insertMessage(ctx context.Context, q querier, m *Message, hash string, now int64) error {
	sentAt := unixMilli(m.Date)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO threads (id, message_count, first_message_at, last_message_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_count = threads.message_count + 1,
			first_message_at = CASE WHEN threads.first_message_at = 0 OR (excluded.first_message_at > 0 AND excluded.first_message_at < threads.first_message_at)
				THEN excluded.first_message_at ELSE threads.first_message_at END,
			last_message_at = MAX(threads.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		m.ThreadID, sentAt, sentAt, now); err != nil {
		return wrapErr("upsert thread", err)
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, sender_name, sender_address, subject, sent_at, date_from_header, internal_date,
			body_text, body_html, snippet, size_bytes, raw_size, mime_type,
			message_id_header, in_reply_to, reply_to, return_path, header_sender, spf, dkim, dmarc,
			is_unread, is_starred, mutable_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.SenderName, m.SenderAddress, m.Subject, sentAt, m.DateFromHeader, m.InternalDate,
		m.BodyText, m.BodyHTML, m.Snippet, m.SizeBytes, m.RawSize, m.MimeType,
		m.MessageIDHeader, m.InReplyTo, m.ReplyTo, m.ReturnPath, m.HeaderSender, m.SPF, m.DKIM, m.DMARC,
		m.IsUnread, m.IsStarred, hash, now, now); err != nil {
		return wrapErr("insert message", err)
	}

	for _, r := range m.Recipients {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, kind, position, name, address)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID, r.Kind, r.Position, r.Name, r.Address); err != nil {
			return wrapErr("insert recipient", err)
		}
	}
	for _, h := range m.Headers {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_headers (message_id, kind, position, name, value)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID, h.Kind, h.Position, h.Name, h.Value); err != nil {
			return wrapErr("insert header", err)
		}
	}
	for _, a := range m.Attachments {
		var content any
		if a.Fetched {
			content = a.Content
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO attachments (message_id, part_id, filename, mime_type, size, content, remote_ref, fetched)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, a.PartID, a.Filename, a.MimeType, a.Size, content, a.RemoteRef, a.Fetched); err != nil {
			return wrapErr("insert attachment", err)
		}
	}
	return insertLabels(ctx, q, m.ID, m.LabelIDs, now)
}

// insertLabels links a message to its labels, creating placeholder label rows
// for ids the catalogue has not delivered yet.
func insertLabels(ctx context.Context, q querier, messageID string, labelIDs []string, now int64) error {
	for _, id := range labelIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO labels (id, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			id, id, now); err != nil {
			return wrapErr("ensure label", err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_labels (message_id, label_id) VALUES (?, ?)
			ON CONFLICT(message_id, label_id) DO NOTHING`,
			messageID, id); err != nil {
			return wrapErr("link label", err)
		}
	}
	return nil
}

// MutableStates returns the stored mutable hash of each id that exists.
func (db *DB) MutableStates(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id, mutable_hash FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return nil, wrapErr("mutable states", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("mutable states", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, wrapErr("mutable states", err)
		}
		out[id] = hash
	}
	return out, wrapErr("mutable states", rows.Err())
}

// CountMessages returns the number of stored messages.
func (db *DB) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, wrapErr("count messages", err)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
