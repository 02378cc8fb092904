package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Read-only queries for front-ends browsing the archive. Nothing here writes.

// MessageSummary is a list row.
type MessageSummary struct {
	ID              string `db:"id"`
	ThreadID        string `db:"thread_id"`
	SenderName      string `db:"sender_name"`
	SenderAddress   string `db:"sender_address"`
	Subject         string `db:"subject"`
	SentAt          int64  `db:"sent_at"`
	Snippet         string `db:"snippet"`
	IsUnread        bool   `db:"is_unread"`
	IsStarred       bool   `db:"is_starred"`
	AttachmentCount int    `db:"attachment_count"`
}

// MessageFilter narrows ListMessages. Zero values do not filter.
type MessageFilter struct {
	LabelID string
	Sender  string
	Limit   int
	Offset  int
}

// LabelCount is a label with the number of messages carrying it.
type LabelCount struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Type     string `db:"type"`
	Messages int    `db:"messages"`
}

// Totals summarises the archive.
type Totals struct {
	Messages    int `db:"messages"`
	Threads     int `db:"threads"`
	Labels      int `db:"labels"`
	Attachments int `db:"attachments"`
	Unread      int `db:"unread"`
}

const summaryColumns = `
	m.id, m.thread_id, m.sender_name, m.sender_address, m.subject, m.sent_at, m.snippet,
	m.is_unread, m.is_starred,
	(SELECT COUNT(*) FROM attachments a WHERE a.message_id = m.id) AS attachment_count`

// ListMessages returns messages newest first.
func (db *DB) ListMessages(ctx context.Context, f MessageFilter) ([]MessageSummary, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var where []string
	var args []any
	if f.LabelID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM message_labels ml WHERE ml.message_id = m.id AND ml.label_id = ?)`)
		args = append(args, f.LabelID)
	}
	if f.Sender != "" {
		where = append(where, `m.sender_address = ? COLLATE NOCASE`)
		args = append(args, f.Sender)
	}
	query := `SELECT ` + summaryColumns + ` FROM messages m`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY m.sent_at DESC, m.id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	var out []MessageSummary
	if err := db.x.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, wrapErr("list messages", err)
	}
	return out, nil
}

// ThreadMessages returns a thread's messages oldest first.
func (db *DB) ThreadMessages(ctx context.Context, threadID string) ([]MessageSummary, error) {
	var out []MessageSummary
	err := db.x.SelectContext(ctx, &out, `SELECT `+summaryColumns+`
		FROM messages m WHERE m.thread_id = ?
		ORDER BY m.sent_at, m.id`, threadID)
	return out, wrapErr("thread messages", err)
}

type messageRow struct {
	ID              string `db:"id"`
	ThreadID        string `db:"thread_id"`
	SenderName      string `db:"sender_name"`
	SenderAddress   string `db:"sender_address"`
	Subject         string `db:"subject"`
	SentAt          int64  `db:"sent_at"`
	DateFromHeader  bool   `db:"date_from_header"`
	InternalDate    int64  `db:"internal_date"`
	BodyText        string `db:"body_text"`
	BodyHTML        string `db:"body_html"`
	Snippet         string `db:"snippet"`
	SizeBytes       int64  `db:"size_bytes"`
	RawSize         int64  `db:"raw_size"`
	MimeType        string `db:"mime_type"`
	MessageIDHeader string `db:"message_id_header"`
	InReplyTo       string `db:"in_reply_to"`
	ReplyTo         string `db:"reply_to"`
	ReturnPath      string `db:"return_path"`
	HeaderSender    string `db:"header_sender"`
	SPF             string `db:"spf"`
	DKIM            string `db:"dkim"`
	DMARC           string `db:"dmarc"`
	IsUnread        bool   `db:"is_unread"`
	IsStarred       bool   `db:"is_starred"`
}

// GetMessage returns a full message with recipients, labels, headers and
// attachment metadata, or nil if it is not stored.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var r messageRow
	err := db.x.GetContext(ctx, &r, `
		SELECT id, thread_id, sender_name, sender_address, subject, sent_at, date_from_header, internal_date,
			body_text, body_html, snippet, size_bytes, raw_size, mime_type,
			message_id_header, in_reply_to, reply_to, return_path, header_sender, spf, dkim, dmarc,
			is_unread, is_starred
		FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get message", err)
	}

	m := &Message{
		ID:              r.ID,
		ThreadID:        r.ThreadID,
		SenderName:      r.SenderName,
		SenderAddress:   r.SenderAddress,
		Subject:         r.Subject,
		DateFromHeader:  r.DateFromHeader,
		InternalDate:    r.InternalDate,
		BodyText:        r.BodyText,
		BodyHTML:        r.BodyHTML,
		Snippet:         r.Snippet,
		SizeBytes:       r.SizeBytes,
		RawSize:         r.RawSize,
		MimeType:        r.MimeType,
		MessageIDHeader: r.MessageIDHeader,
		InReplyTo:       r.InReplyTo,
		ReplyTo:         r.ReplyTo,
		ReturnPath:      r.ReturnPath,
		HeaderSender:    r.HeaderSender,
		SPF:             r.SPF,
		DKIM:            r.DKIM,
		DMARC:           r.DMARC,
		IsUnread:        r.IsUnread,
		IsStarred:       r.IsStarred,
	}
	if r.SentAt > 0 {
		m.Date = time.UnixMilli(r.SentAt).UTC()
	}

	if err := db.x.SelectContext(ctx, &m.Recipients, `
		SELECT kind, position, name, address FROM message_recipients
		WHERE message_id = ?
		ORDER BY CASE kind WHEN 'to' THEN 0 WHEN 'cc' THEN 1 ELSE 2 END, position`, id); err != nil {
		return nil, wrapErr("get recipients", err)
	}
	if err := db.x.SelectContext(ctx, &m.Headers, `
		SELECT kind, position, name, value FROM message_headers
		WHERE message_id = ? ORDER BY kind, position`, id); err != nil {
		return nil, wrapErr("get headers", err)
	}
	if m.LabelIDs, err = db.MessageLabels(ctx, id); err != nil {
		return nil, err
	}
	if m.Attachments, err = db.ListAttachments(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

// ListLabels returns all labels with message counts, by name.
func (db *DB) ListLabels(ctx context.Context) ([]LabelCount, error) {
	var out []LabelCount
	err := db.x.SelectContext(ctx, &out, `
		SELECT l.id, l.name, l.type, COUNT(ml.message_id) AS messages
		FROM labels l
		LEFT JOIN message_labels ml ON ml.label_id = l.id
		GROUP BY l.id
		ORDER BY l.name COLLATE NOCASE`)
	return out, wrapErr("list labels", err)
}

// Totals counts the archive contents.
func (db *DB) Totals(ctx context.Context) (*Totals, error) {
	var t Totals
	err := db.x.GetContext(ctx, &t, `
		SELECT
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM threads) AS threads,
			(SELECT COUNT(*) FROM labels) AS labels,
			(SELECT COUNT(*) FROM attachments) AS attachments,
			(SELECT COUNT(*) FROM messages WHERE is_unread = 1) AS unread`)
	if err != nil {
		return nil, wrapErr("totals", err)
	}
	return &t, nil
}
