package store

import "time"

// Message is the canonical, storage-ready form of a mailbox message.
// Only LabelIDs and the flags derived from them change after insert.
type Message struct {
	ID             string
	ThreadID       string
	SenderName     string
	SenderAddress  string
	Recipients     []Recipient
	Subject        string
	Date           time.Time // UTC
	DateFromHeader bool
	InternalDate   int64 // ms
	BodyText       string
	BodyHTML       string
	Snippet        string
	SizeBytes      int64
	RawSize        int64
	MimeType       string
	LabelIDs       []string
	IsUnread       bool
	IsStarred      bool

	MessageIDHeader string
	InReplyTo       string
	ReplyTo         string
	ReturnPath      string
	HeaderSender    string
	SPF             string
	DKIM            string
	DMARC           string

	Headers     []HeaderField
	Attachments []Attachment
}

// Recipient is one address of To, Cc or Bcc, in header order.
type Recipient struct {
	Kind     string // to, cc, bcc
	Position int
	Name     string
	Address  string
}

// HeaderField is a captured header line: X- headers and Received hops.
type HeaderField struct {
	Kind     string // x, received
	Position int
	Name     string
	Value    string
}

// Attachment belongs to exactly one message. Content is empty until fetched
// when the remote delivered only a reference.
type Attachment struct {
	ID        int64
	MessageID string
	PartID    string
	Filename  string
	MimeType  string
	Size      int64
	Content   []byte
	RemoteRef string
	Fetched   bool
}

// Label is a remote label.
type Label struct {
	ID   string
	Name string
	Type string
}

// UpsertResult tells the caller what an upsert did to the row.
type UpsertResult int

const (
	Inserted UpsertResult = iota + 1
	Unchanged
	Changed
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	}
	return "unknown"
}

// Checkpoint is the persisted position of an account's sync.
// Cursor is the page token inside the pass in progress; Since is the
// watermark the pass lists from; Target is where Since moves when the pass ends.
type Checkpoint struct {
	Account   string
	Cursor    string
	Since     string
	Target    string
	LastRunAt time.Time
}

// InPass reports whether a listing pass was interrupted part way.
func (c Checkpoint) InPass() bool {
	return c.Cursor != ""
}

// Run is the recorded outcome of one sync run.
type Run struct {
	ID         string
	Account    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Listed     int
	Inserted   int
	Changed    int
	Unchanged  int
	Skipped    int
	NotFound   int
	Errored    int
	Batches    int
	Error      string
}

// Failure is a message that must be retried on the next run.
type Failure struct {
	Account   string
	MessageID string
	Reason    string
	Attempts  int
	UpdatedAt time.Time
}
