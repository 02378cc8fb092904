package gmail

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/matheus3301/gmarchive/internal/mailbox"
	"google.golang.org/api/gmail/v1"
)

func toRawMessage(msg *gmail.Message) (*mailbox.RawMessage, error) {
	raw := &mailbox.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		SizeEstimate: msg.SizeEstimate,
		HistoryID:    msg.HistoryId,
		Payload:      toPart(msg.Payload),
	}
	if msg.Raw != "" {
		data, err := decodeBase64URL(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("decode raw message %s: %w", msg.Id, err)
		}
		raw.Raw = data
	}
	return raw, nil
}

func toPart(p *gmail.MessagePart) *mailbox.Part {
	if p == nil {
		return nil
	}
	part := &mailbox.Part{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mailbox.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = mailbox.PartBody{
			AttachmentID: p.Body.AttachmentId,
			Size:         p.Body.Size,
			Data:         p.Body.Data,
		}
	}
	for _, sub := range p.Parts {
		part.Parts = append(part.Parts, toPart(sub))
	}
	return part
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
