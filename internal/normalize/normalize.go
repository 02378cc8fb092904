// Package normalize converts raw remote messages into canonical store rows.
// Normalize is total over the raw shape: only a missing identifier is an
// error, anything malformed degrades to a default and a warning.
package normalize

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/matheus3301/gmarchive/internal/store"
)

// Label ids with a meaning for the derived flags.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

const snippetLen = 200

// Error is a NormalizationError: the raw message lacks a required field.
type Error struct {
	MessageID string
	Field     string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize message %q: %s: %s", e.MessageID, e.Field, e.Reason)
}

// Result is a normalized message plus anything that had to be defaulted.
type Result struct {
	Message  *store.Message
	Warnings []string
}

// Validate checks the required fields of raw.
func Validate(raw *mailbox.RawMessage) error {
	if raw == nil {
		return &Error{Field: "message", Reason: "nil"}
	}
	if strings.TrimSpace(raw.ID) == "" {
		return &Error{Field: "id", Reason: "missing"}
	}
	if strings.TrimSpace(raw.ThreadID) == "" {
		return &Error{MessageID: raw.ID, Field: "thread_id", Reason: "missing"}
	}
	return nil
}

// Normalize maps raw to the canonical schema.
func Normalize(raw *mailbox.RawMessage) (*Result, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	res := &Result{}
	m := &store.Message{
		ID:           raw.ID,
		ThreadID:     raw.ThreadID,
		InternalDate: raw.InternalDate,
		Snippet:      cleanText(raw.Snippet),
		SizeBytes:    raw.SizeEstimate,
		RawSize:      int64(len(raw.Raw)),
		LabelIDs:     dedupe(raw.LabelIDs),
	}
	m.IsUnread = slices.Contains(m.LabelIDs, LabelUnread)
	m.IsStarred = slices.Contains(m.LabelIDs, LabelStarred)
	if m.SizeBytes == 0 {
		m.SizeBytes = m.RawSize
	}

	var c content
	switch {
	case raw.Payload != nil:
		c = fromPayload(raw.Payload)
	case len(raw.Raw) > 0:
		c = fromRFC822(raw.Raw)
	default:
		res.warn("no payload or raw source")
	}
	res.Warnings = append(res.Warnings, c.warnings...)

	m.MimeType = c.mimeType
	m.BodyText = c.text
	m.BodyHTML = c.html
	for i := range c.attachments {
		c.attachments[i].MessageID = m.ID
	}
	m.Attachments = c.attachments

	applyHeaders(m, c.headers, res)

	if m.Snippet == "" {
		m.Snippet = makeSnippet(m.BodyText)
	}
	return res, nil
}

func applyHeaders(m *store.Message, headers []mailbox.Header, res *Result) {
	h := mailHeader(headers)

	if subject, err := h.Subject(); err == nil {
		m.Subject = cleanText(subject)
	} else {
		m.Subject = cleanText(h.Get("Subject"))
		res.warn("subject: %v", err)
	}

	if from := parseAddresses(h, "From", res); len(from) > 0 {
		m.SenderName = from[0].Name
		m.SenderAddress = from[0].Address
	}
	for _, kind := range []string{"To", "Cc", "Bcc"} {
		for i, a := range parseAddresses(h, kind, res) {
			m.Recipients = append(m.Recipients, store.Recipient{
				Kind:     strings.ToLower(kind),
				Position: i,
				Name:     a.Name,
				Address:  a.Address,
			})
		}
	}

	if d, err := h.Date(); err == nil && !d.IsZero() {
		m.Date = d.UTC()
		m.DateFromHeader = true
	} else {
		if h.Get("Date") != "" {
			res.warn("date %q unparseable, using internal date", h.Get("Date"))
		}
		if m.InternalDate > 0 {
			m.Date = time.UnixMilli(m.InternalDate).UTC()
		}
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		m.MessageIDHeader = id
	} else {
		m.MessageIDHeader = trimAngle(h.Get("Message-Id"))
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		m.InReplyTo = ids[0]
	} else {
		m.InReplyTo = trimAngle(h.Get("In-Reply-To"))
	}
	if rt := parseAddresses(h, "Reply-To", res); len(rt) > 0 {
		m.ReplyTo = rt[0].Address
	}
	if s := parseAddresses(h, "Sender", res); len(s) > 0 {
		m.HeaderSender = s[0].Address
	}
	m.ReturnPath = trimAngle(h.Get("Return-Path"))

	m.SPF, m.DKIM, m.DMARC = authResults(h.Get("Authentication-Results"))
	m.Headers = captureHeaders(headers)
}

// mailHeader builds a go-message header. Add prepends, so fields are added
// back to front to keep the first occurrence first.
func mailHeader(headers []mailbox.Header) mail.Header {
	var h mail.Header
	for i := len(headers) - 1; i >= 0; i-- {
		h.Add(headers[i].Name, headers[i].Value)
	}
	return h
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func cleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.TrimSpace(s)
}

func makeSnippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:snippetLen])
}

func trimAngle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	return strings.TrimSuffix(s, ">")
}
