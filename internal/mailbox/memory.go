package mailbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// Memory is an in-process Client backed by a map. Every mutation bumps a
// history counter, and List with a non-empty Since returns only messages
// changed after it, the way an incremental remote listing does.
type Memory struct {
	mu          sync.Mutex
	history     uint64
	msgs        map[string]*memEntry
	labels      []Label
	attachments map[string][]byte

	listErrs  []error
	fetchErrs map[string][]error
	expiry    uint64

	listCalls  int
	fetchCalls map[string]int
	stateCalls int
}

type memEntry struct {
	raw       *RawMessage
	changedAt uint64
}

// NewMemory returns an empty mailbox.
func NewMemory() *Memory {
	return &Memory{
		msgs:        make(map[string]*memEntry),
		attachments: make(map[string][]byte),
		fetchErrs:   make(map[string][]error),
		fetchCalls:  make(map[string]int),
	}
}

// Put adds or replaces a message.
func (m *Memory) Put(raw *RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history++
	m.msgs[raw.ID] = &memEntry{raw: raw.Clone(), changedAt: m.history}
}

// SetLabels replaces the label set of a stored message.
func (m *Memory) SetLabels(id string, labelIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.msgs[id]
	if !ok {
		return fmt.Errorf("set labels %s: %w", id, ErrNotFound)
	}
	m.history++
	e.raw.LabelIDs = append([]string(nil), labelIDs...)
	e.changedAt = m.history
	return nil
}

// AddLabel adds one label to a stored message.
func (m *Memory) AddLabel(id, labelID string) error {
	m.mu.Lock()
	e, ok := m.msgs[id]
	var labels []string
	if ok {
		labels = append(slices.Clone(e.raw.LabelIDs), labelID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("add label %s: %w", id, ErrNotFound)
	}
	return m.SetLabels(id, labels...)
}

// Delete removes a message.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history++
	delete(m.msgs, id)
}

// SetLabelCatalogue replaces the label list returned by Labels.
func (m *Memory) SetLabelCatalogue(labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = slices.Clone(labels)
}

// PutAttachment stores content served by FetchAttachment.
func (m *Memory) PutAttachment(messageID, attachmentID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[messageID+"/"+attachmentID] = slices.Clone(data)
}

// FailList queues errors returned by the next List calls, in order.
func (m *Memory) FailList(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErrs = append(m.listErrs, errs...)
}

// FailFetch queues errors returned by the next Fetch calls for id, in order.
func (m *Memory) FailFetch(id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs[id] = append(m.fetchErrs[id], errs...)
}

// ExpireBefore makes List return ErrCursorExpired for any Since below h.
func (m *Memory) ExpireBefore(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry = h
}

// History returns the current history counter as a watermark string.
func (m *Memory) History() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.FormatUint(m.history, 10)
}

// ListCalls returns how many times List was called.
func (m *Memory) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// FetchCalls returns how many times Fetch was called for id.
func (m *Memory) FetchCalls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls[id]
}

// TotalFetchCalls returns the number of Fetch calls across all ids.
func (m *Memory) TotalFetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.fetchCalls {
		n += c
	}
	return n
}

// StateCalls returns how many times State was called.
func (m *Memory) StateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateCalls
}

func (m *Memory) Labels(ctx context.Context) ([]Label, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.labels), nil
}

func (m *Memory) List(ctx context.Context, req ListRequest) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	if len(m.listErrs) > 0 {
		err := m.listErrs[0]
		m.listErrs = m.listErrs[1:]
		return nil, err
	}

	var since uint64
	if req.Since != "" {
		v, err := strconv.ParseUint(req.Since, 10, 64)
		if err != nil || v > m.history || v < m.expiry {
			return nil, ErrCursorExpired
		}
		since = v
	}
	offset := 0
	if req.PageToken != "" {
		v, err := strconv.Atoi(req.PageToken)
		if err != nil || v < 0 {
			return nil, ErrCursorExpired
		}
		offset = v
	}
	size := req.PageSize
	if size <= 0 {
		size = 100
	}

	var matched []*memEntry
	for _, e := range m.msgs {
		if e.changedAt <= since {
			continue
		}
		if len(req.LabelIDs) > 0 && !slices.ContainsFunc(req.LabelIDs, func(l string) bool {
			return slices.Contains(e.raw.LabelIDs, l)
		}) {
			continue
		}
		matched = append(matched, e)
	}
	// Newest first, like the remote.
	slices.SortFunc(matched, func(a, b *memEntry) int {
		if c := cmp.Compare(b.raw.InternalDate, a.raw.InternalDate); c != 0 {
			return c
		}
		return cmp.Compare(b.raw.ID, a.raw.ID)
	})

	page := &Page{Watermark: strconv.FormatUint(m.history, 10)}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := min(offset+size, len(matched))
	for _, e := range matched[offset:end] {
		ref := MessageRef{ID: e.raw.ID, ThreadID: e.raw.ThreadID}
		if req.Since != "" {
			ref.LabelIDs = slices.Clone(e.raw.LabelIDs)
			ref.HasState = true
		}
		page.Refs = append(page.Refs, ref)
	}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Memory) Fetch(ctx context.Context, id string) (*RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls[id]++

	if errs := m.fetchErrs[id]; len(errs) > 0 {
		m.fetchErrs[id] = errs[1:]
		return nil, errs[0]
	}
	e, ok := m.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.raw.Clone(), nil
}

func (m *Memory) State(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCalls++
	e, ok := m.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(e.raw.LabelIDs), nil
}

func (m *Memory) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}
