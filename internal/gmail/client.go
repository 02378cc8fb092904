// Package gmail adapts the Gmail REST API to mailbox.Client.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	FormatFull = "full"
	FormatRaw  = "raw"
)

// Options configures the adapter.
type Options struct {
	User            string // defaults to "me"
	Format          string // full or raw
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client talks to one Gmail mailbox. Calls pass through a circuit breaker
// that opens after consecutive transient failures.
type Client struct {
	svc     *gmail.Service
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ mailbox.Client = (*Client)(nil)

// New creates a client. clientOpts carry the credentials, typically
// option.WithTokenSource.
func New(ctx context.Context, logger *zap.Logger, opts Options, clientOpts ...option.ClientOption) (*Client, error) {
	if opts.User == "" {
		opts.User = "me"
	}
	if opts.Format == "" {
		opts.Format = FormatFull
	}
	if opts.Format != FormatFull && opts.Format != FormatRaw {
		return nil, fmt.Errorf("gmail: unknown format %q", opts.Format)
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	c := &Client{svc: svc, opts: opts, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gmail",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// Only transient failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !mailbox.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

// execute runs fn through the breaker and maps its error.
func execute[T any](c *Client, fn func() (T, error)) (T, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := fn()
		if err != nil {
			return nil, mapError(err)
		}
		return res, nil
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &mailbox.RateLimitedError{RetryAfter: c.opts.BreakerTimeout, Reason: "circuit open", Err: err}
		}
		return zero, err
	}
	return v.(T), nil
}

func (c *Client) Labels(ctx context.Context) ([]mailbox.Label, error) {
	resp, err := execute(c, func() (*gmail.ListLabelsResponse, error) {
		return c.svc.Users.Labels.List(c.opts.User).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	labels := make([]mailbox.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, mailbox.Label{ID: l.Id, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

func (c *Client) List(ctx context.Context, req mailbox.ListRequest) (*mailbox.Page, error) {
	if req.Since != "" {
		return c.listHistory(ctx, req)
	}
	return c.listMessages(ctx, req)
}

// listMessages walks messages.list. Gmail ANDs multiple labelIds, so with
// more than one label the page token is "<label index>:<api token>" and the
// labels are walked one after another.
func (c *Client) listMessages(ctx context.Context, req mailbox.ListRequest) (*mailbox.Page, error) {
	page := &mailbox.Page{}
	if req.PageToken == "" {
		profile, err := execute(c, func() (*gmail.Profile, error) {
			return c.svc.Users.GetProfile(c.opts.User).Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("get profile: %w", err)
		}
		page.Watermark = strconv.FormatUint(profile.HistoryId, 10)
	}

	idx, token, err := splitToken(req.PageToken, len(req.LabelIDs))
	if err != nil {
		return nil, err
	}

	call := c.svc.Users.Messages.List(c.opts.User).IncludeSpamTrash(req.IncludeSpamTrash)
	if req.PageSize > 0 {
		call = call.MaxResults(int64(req.PageSize))
	}
	switch {
	case len(req.LabelIDs) == 1:
		call = call.LabelIds(req.LabelIDs[0])
	case len(req.LabelIDs) > 1:
		call = call.LabelIds(req.LabelIDs[idx])
	}
	if token != "" {
		call = call.PageToken(token)
	}

	resp, err := execute(c, func() (*gmail.ListMessagesResponse, error) {
		return call.Context(ctx).Do()
	})
	if err != nil {
		if req.PageToken != "" && isBadRequest(err) {
			return nil, fmt.Errorf("%w: %w", mailbox.ErrCursorExpired, err)
		}
		return nil, fmt.Errorf("list messages: %w", err)
	}

	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, mailbox.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	page.NextPageToken = joinToken(idx, resp.NextPageToken, len(req.LabelIDs))
	return page, nil
}

// listHistory walks history.list from req.Since.
func (c *Client) listHistory(ctx context.Context, req mailbox.ListRequest) (*mailbox.Page, error) {
	start, err := strconv.ParseUint(req.Since, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: history id %q", mailbox.ErrCursorExpired, req.Since)
	}

	call := c.svc.Users.History.List(c.opts.User).
		StartHistoryId(start).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved")
	if req.PageSize > 0 {
		call = call.MaxResults(int64(req.PageSize))
	}
	if len(req.LabelIDs) == 1 {
		call = call.LabelId(req.LabelIDs[0])
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := execute(c, func() (*gmail.ListHistoryResponse, error) {
		return call.Context(ctx).Do()
	})
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) || (req.PageToken != "" && isBadRequest(err)) {
			return nil, fmt.Errorf("%w: %w", mailbox.ErrCursorExpired, err)
		}
		return nil, fmt.Errorf("list history: %w", err)
	}

	page := &mailbox.Page{
		NextPageToken: resp.NextPageToken,
		Watermark:     strconv.FormatUint(resp.HistoryId, 10),
	}
	seen := make(map[string]int)
	add := func(m *gmail.Message, hasState bool) {
		if m == nil || m.Id == "" {
			return
		}
		if len(req.LabelIDs) > 1 && !intersects(m.LabelIds, req.LabelIDs) {
			return
		}
		ref := mailbox.MessageRef{ID: m.Id, ThreadID: m.ThreadId, LabelIDs: m.LabelIds, HasState: hasState}
		if i, ok := seen[m.Id]; ok {
			// Any label event in the page carries the message's labels.
			// Unstored messages are fetched regardless.
			ref.HasState = ref.HasState || page.Refs[i].HasState
			page.Refs[i] = ref
			return
		}
		seen[m.Id] = len(page.Refs)
		page.Refs = append(page.Refs, ref)
	}
	for _, h := range resp.History {
		for _, a := range h.MessagesAdded {
			add(a.Message, false)
		}
		for _, a := range h.LabelsAdded {
			add(a.Message, true)
		}
		for _, r := range h.LabelsRemoved {
			add(r.Message, true)
		}
	}
	return page, nil
}

func (c *Client) Fetch(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	msg, err := execute(c, func() (*gmail.Message, error) {
		return c.svc.Users.Messages.Get(c.opts.User, id).Format(c.opts.Format).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	return toRawMessage(msg)
}

// State asks for the minimal format, which carries labels but no content.
func (c *Client) State(ctx context.Context, id string) ([]string, error) {
	msg, err := execute(c, func() (*gmail.Message, error) {
		return c.svc.Users.Messages.Get(c.opts.User, id).Format("minimal").Fields("id", "labelIds").Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch state %s: %w", id, err)
	}
	return msg.LabelIds, nil
}

func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	body, err := execute(c, func() (*gmail.MessagePartBody, error) {
		return c.svc.Users.Messages.Attachments.Get(c.opts.User, messageID, attachmentID).Context(ctx).Do()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s/%s: %w", messageID, attachmentID, err)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s/%s: %w", messageID, attachmentID, err)
	}
	return data, nil
}

func splitToken(token string, labels int) (int, string, error) {
	if labels <= 1 || token == "" {
		return 0, token, nil
	}
	head, rest, ok := strings.Cut(token, ":")
	idx, err := strconv.Atoi(head)
	if !ok || err != nil || idx < 0 || idx >= labels {
		return 0, "", fmt.Errorf("%w: page token %q", mailbox.ErrCursorExpired, token)
	}
	return idx, rest, nil
}

func joinToken(idx int, next string, labels int) string {
	if labels <= 1 {
		return next
	}
	if next != "" {
		return strconv.Itoa(idx) + ":" + next
	}
	if idx+1 < labels {
		return strconv.Itoa(idx+1) + ":"
	}
	return ""
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func isBadRequest(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest
}
