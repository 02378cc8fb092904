package normalize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/matheus3301/gmarchive/internal/store"
)

// content is what the MIME walk extracts from either encoding.
type content struct {
	headers     []mailbox.Header
	mimeType    string
	text        string
	html        string
	attachments []store.Attachment
	warnings    []string
}

func (c *content) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func fromPayload(root *mailbox.Part) content {
	c := content{headers: root.Headers, mimeType: strings.ToLower(root.MimeType)}
	c.walk(root)
	return c
}

func (c *content) walk(p *mailbox.Part) {
	if p == nil {
		return
	}
	mt := strings.ToLower(p.MimeType)
	if strings.HasPrefix(mt, "multipart/") {
		for _, sub := range p.Parts {
			c.walk(sub)
		}
		return
	}

	isText := mt == "text/plain" || mt == "text/html"
	if p.Filename != "" || (p.Body.AttachmentID != "" && !isText) {
		c.addPayloadAttachment(p, mt)
		return
	}
	if !isText {
		return
	}
	if p.Body.Data == "" {
		if p.Body.AttachmentID != "" {
			c.warn("part %s: %s body delivered by reference", p.PartID, mt)
		}
		return
	}
	data, err := decodeData(p.Body.Data)
	if err != nil {
		c.warn("part %s: %v", p.PartID, err)
		return
	}
	text := c.toUTF8(data, partCharset(p))
	switch {
	case mt == "text/plain" && c.text == "":
		c.text = text
	case mt == "text/html" && c.html == "":
		c.html = text
	}
}

func (c *content) addPayloadAttachment(p *mailbox.Part, mt string) {
	a := store.Attachment{
		PartID:   p.PartID,
		Filename: p.Filename,
		MimeType: mt,
		Size:     p.Body.Size,
	}
	if a.Filename == "" {
		a.Filename = "part-" + p.PartID
	}
	switch {
	case p.Body.Data != "":
		data, err := decodeData(p.Body.Data)
		if err != nil {
			c.warn("attachment %q: %v", a.Filename, err)
			break
		}
		a.Content = data
		a.Fetched = true
		if a.Size == 0 {
			a.Size = int64(len(data))
		}
	case p.Body.AttachmentID != "":
		a.RemoteRef = p.Body.AttachmentID
	}
	c.attachments = append(c.attachments, a)
}

func partCharset(p *mailbox.Part) string {
	ct := p.Header("Content-Type")
	if ct == "" {
		return ""
	}
	var h message.Header
	h.Set("Content-Type", ct)
	_, params, err := h.ContentType()
	if err != nil {
		return ""
	}
	return params["charset"]
}

func (c *content) toUTF8(data []byte, cs string) string {
	switch strings.ToLower(cs) {
	case "", "utf-8", "utf8", "us-ascii":
		return cleanText(string(data))
	}
	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		c.warn("charset %q: %v", cs, err)
		return cleanText(string(data))
	}
	out, err := io.ReadAll(r)
	if err != nil {
		c.warn("charset %q: %v", cs, err)
		return cleanText(string(data))
	}
	return cleanText(string(out))
}

// decodeData accepts padded or unpadded, URL or standard base64.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, errors.New("body data is not base64")
}

// fromRFC822 parses a raw source with go-message. Transfer encodings and
// charsets are decoded by the reader.
func fromRFC822(raw []byte) content {
	var c content
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		c.warn("parse raw source: %v", err)
		return c
	}
	if err != nil {
		c.warn("raw source: %v", err)
	}
	defer func() { _ = mr.Close() }()

	fields := mr.Header.Fields()
	for fields.Next() {
		c.headers = append(c.headers, mailbox.Header{Name: fields.Key(), Value: fields.Value()})
	}
	if t, _, err := mr.Header.ContentType(); err == nil {
		c.mimeType = strings.ToLower(t)
	}

	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.warn("part %d: %v", i, err)
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			t, _, _ := h.ContentType()
			t = strings.ToLower(t)
			if t != "text/plain" && t != "text/html" {
				continue
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				c.warn("part %d: %v", i, err)
				continue
			}
			switch {
			case t == "text/plain" && c.text == "":
				c.text = cleanText(string(body))
			case t == "text/html" && c.html == "":
				c.html = cleanText(string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			t, _, _ := h.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				c.warn("attachment %q: %v", filename, err)
				continue
			}
			if filename == "" {
				filename = fmt.Sprintf("part-%d", i)
			}
			c.attachments = append(c.attachments, store.Attachment{
				PartID:   fmt.Sprintf("%d", i),
				Filename: filename,
				MimeType: strings.ToLower(t),
				Size:     int64(len(body)),
				Content:  body,
				Fetched:  true,
			})
		}
	}
	return c
}
