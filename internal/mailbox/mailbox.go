// Package mailbox defines the contract between the sync engine and a remote
// mailbox: paginated listing of message references since a watermark, fetching
// of raw messages, and the error values that drive skip and backoff decisions.
package mailbox

import (
	"context"
	"strings"
)

// Client is the remote side of a sync run. Every call consumes remote quota.
type Client interface {
	// Labels returns the label catalogue.
	Labels(ctx context.Context) ([]Label, error)
	// List returns one page of references changed since req.Since.
	// Returns ErrCursorExpired when req.Since is too old to list from.
	List(ctx context.Context, req ListRequest) (*Page, error)
	// Fetch returns the full raw message, or ErrNotFound.
	Fetch(ctx context.Context, id string) (*RawMessage, error)
	// State returns the message's current label ids, or ErrNotFound.
	// It is much cheaper than Fetch.
	State(ctx context.Context, id string) ([]string, error)
	// FetchAttachment returns decoded attachment content.
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ListRequest asks for one page of the stream.
// An empty Since lists everything; an empty PageToken starts a pass.
type ListRequest struct {
	Since            string
	PageToken        string
	PageSize         int
	LabelIDs         []string
	IncludeSpamTrash bool
}

// Page is one page of message references.
type Page struct {
	Refs          []MessageRef
	NextPageToken string
	// Watermark is the position a completed pass advances Since to.
	Watermark string
}

// MessageRef identifies a listed message. LabelIDs is only meaningful when
// HasState is set, which lets the caller skip messages it already holds.
type MessageRef struct {
	ID       string
	ThreadID string
	LabelIDs []string
	HasState bool
}

// Label is an entry of the remote label catalogue.
type Label struct {
	ID   string
	Name string
	Type string // system or user
}

// RawMessage is a message as delivered by the remote. ID and ThreadID are
// required; everything else may be absent. Payload and Raw are alternative
// encodings of the content and either may be nil.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // ms since epoch, remote receive order
	SizeEstimate int64
	HistoryID    uint64
	Payload      *Part
	Raw          []byte // RFC 822 source
}

// Part is a node of the MIME tree.
type Part struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     PartBody
	Parts    []*Part
}

// Header is one header field in delivery order.
type Header struct {
	Name  string
	Value string
}

// PartBody holds inline data or a reference to fetch it later.
type PartBody struct {
	AttachmentID string
	Size         int64
	Data         string // base64url, as delivered
}

// Header returns the first value of the named header, case-insensitively.
func (p *Part) Header(name string) string {
	if p == nil {
		return ""
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Clone returns a deep copy of m.
func (m *RawMessage) Clone() *RawMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.LabelIDs = append([]string(nil), m.LabelIDs...)
	c.Raw = append([]byte(nil), m.Raw...)
	c.Payload = m.Payload.clone()
	return &c
}

func (p *Part) clone() *Part {
	if p == nil {
		return nil
	}
	c := *p
	c.Headers = append([]Header(nil), p.Headers...)
	c.Parts = make([]*Part, len(p.Parts))
	for i, sub := range p.Parts {
		c.Parts[i] = sub.clone()
	}
	return &c
}
