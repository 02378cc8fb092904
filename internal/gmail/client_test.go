package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/gmarchive/internal/mailbox"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const base = "/gmail/v1/users/me"

func newTestClient(t *testing.T, handler http.Handler, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), zap.NewNop(), opts,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"test error","errors":[{"reason":%q,"message":"test error"}]}}`, code, reason)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(context.Background(), nil, Options{Format: "metadata"}, option.WithHTTPClient(http.DefaultClient))
	if err == nil {
		t.Fatal("New() should reject format metadata")
	}
}

func TestLabels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &gmail.ListLabelsResponse{Labels: []*gmail.Label{
			{Id: "INBOX", Name: "INBOX", Type: "system"},
			{Id: "Label_1", Name: "Receipts", Type: "user"},
		}})
	})
	c := newTestClient(t, mux, Options{})

	labels, err := c.Labels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[1] != (mailbox.Label{ID: "Label_1", Name: "Receipts", Type: "user"}) {
		t.Errorf("labels = %+v", labels)
	}
}

func TestListFullPass(t *testing.T) {
	var profileCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/profile", func(w http.ResponseWriter, r *http.Request) {
		profileCalls.Add(1)
		writeJSON(w, &gmail.Profile{EmailAddress: "me@example.com", HistoryId: 1234})
	})
	mux.HandleFunc(base+"/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("maxResults") != "2" || q.Get("includeSpamTrash") != "true" || q.Get("labelIds") != "INBOX" {
			t.Errorf("query = %v", q)
		}
		switch q.Get("pageToken") {
		case "":
			writeJSON(w, &gmail.ListMessagesResponse{
				Messages:      []*gmail.Message{{Id: "m2", ThreadId: "t1"}, {Id: "m1", ThreadId: "t1"}},
				NextPageToken: "p2",
			})
		case "p2":
			writeJSON(w, &gmail.ListMessagesResponse{Messages: []*gmail.Message{{Id: "m0", ThreadId: "t0"}}})
		default:
			writeError(w, http.StatusBadRequest, "invalidArgument")
		}
	})
	c := newTestClient(t, mux, Options{})
	ctx := context.Background()
	req := mailbox.ListRequest{PageSize: 2, LabelIDs: []string{"INBOX"}, IncludeSpamTrash: true}

	p1, err := c.List(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if p1.Watermark != "1234" || p1.NextPageToken != "p2" || len(p1.Refs) != 2 {
		t.Fatalf("page 1 = %+v", p1)
	}
	if p1.Refs[0].ID != "m2" || p1.Refs[0].HasState {
		t.Errorf("ref = %+v, want m2 without state", p1.Refs[0])
	}

	req.PageToken = p1.NextPageToken
	p2, err := c.List(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Watermark != "" || p2.NextPageToken != "" || len(p2.Refs) != 1 {
		t.Fatalf("page 2 = %+v", p2)
	}
	if profileCalls.Load() != 1 {
		t.Errorf("profile calls = %d, want 1", profileCalls.Load())
	}

	req.PageToken = "stale"
	if _, err := c.List(ctx, req); !errors.Is(err, mailbox.ErrCursorExpired) {
		t.Errorf("stale token error = %v, want ErrCursorExpired", err)
	}
}

func TestListWalksLabelsInTurn(t *testing.T) {
	pages := map[string][]*gmail.ListMessagesResponse{
		"INBOX":   {{Messages: []*gmail.Message{{Id: "a"}}, NextPageToken: "x"}, {Messages: []*gmail.Message{{Id: "b"}}}},
		"Label_1": {{Messages: []*gmail.Message{{Id: "c"}}}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &gmail.Profile{HistoryId: 9})
	})
	mux.HandleFunc(base+"/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if len(q["labelIds"]) != 1 {
			t.Errorf("labelIds = %v, want exactly one", q["labelIds"])
		}
		i := 0
		if q.Get("pageToken") == "x" {
			i = 1
		}
		writeJSON(w, pages[q.Get("labelIds")][i])
	})
	c := newTestClient(t, mux, Options{})

	var ids []string
	req := mailbox.ListRequest{LabelIDs: []string{"INBOX", "Label_1"}}
	for n := 0; ; n++ {
		if n > 5 {
			t.Fatal("pagination did not terminate")
		}
		page, err := c.List(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range page.Refs {
			ids = append(ids, r.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		req.PageToken = page.NextPageToken
	}
	if got := strings.Join(ids, ","); got != "a,b,c" {
		t.Errorf("ids = %s, want a,b,c", got)
	}
}

func TestListHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %q", q.Get("startHistoryId"))
		}
		if got := q["historyTypes"]; len(got) != 3 {
			t.Errorf("historyTypes = %v", got)
		}
		writeJSON(w, &gmail.ListHistoryResponse{
			HistoryId: 150,
			History: []*gmail.History{
				{Id: 101, MessagesAdded: []*gmail.HistoryMessageAdded{
					{Message: &gmail.Message{Id: "new", ThreadId: "t", LabelIds: []string{"INBOX"}}},
				}},
				{Id: 102, LabelsAdded: []*gmail.HistoryLabelAdded{
					{Message: &gmail.Message{Id: "new", ThreadId: "t", LabelIds: []string{"INBOX", "STARRED"}}},
					{Message: &gmail.Message{Id: "old", ThreadId: "u", LabelIds: []string{"INBOX", "IMPORTANT"}}},
				}},
				{Id: 103, LabelsRemoved: []*gmail.HistoryLabelRemoved{
					{Message: &gmail.Message{Id: "other", ThreadId: "v", LabelIds: []string{"SENT"}}},
				}},
			},
		})
	})
	c := newTestClient(t, mux, Options{})

	page, err := c.List(context.Background(), mailbox.ListRequest{Since: "100"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Watermark != "150" || len(page.Refs) != 3 {
		t.Fatalf("page = %+v", page)
	}
	if r := page.Refs[0]; r.ID != "new" || !r.HasState || len(r.LabelIDs) != 2 || r.LabelIDs[1] != "STARRED" {
		t.Errorf("added then labelled ref = %+v, want state with latest labels", r)
	}
	if r := page.Refs[1]; r.ID != "old" || !r.HasState {
		t.Errorf("label change ref = %+v, want state", r)
	}

	filtered, err := c.List(context.Background(), mailbox.ListRequest{Since: "100", LabelIDs: []string{"INBOX", "IMPORTANT"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered.Refs) != 2 {
		t.Errorf("filtered refs = %+v, want the two INBOX messages", filtered.Refs)
	}
}

func TestListHistoryCursorExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/history", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "notFound")
	})
	c := newTestClient(t, mux, Options{})

	for _, since := range []string{"5", "not-a-number"} {
		_, err := c.List(context.Background(), mailbox.ListRequest{Since: since})
		if !errors.Is(err, mailbox.ErrCursorExpired) {
			t.Errorf("List(since=%s) error = %v, want ErrCursorExpired", since, err)
		}
	}
}

func TestFetch(t *testing.T) {
	source := "From: a@example.com\r\nSubject: hi\r\n\r\nbody"
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		msg := &gmail.Message{
			Id: "m1", ThreadId: "t1", LabelIds: []string{"INBOX"},
			Snippet: "body", InternalDate: 1700000000000, SizeEstimate: 42, HistoryId: 77,
		}
		switch r.URL.Query().Get("format") {
		case "raw":
			msg.Raw = base64.URLEncoding.EncodeToString([]byte(source))
		case "full":
			msg.Payload = &gmail.MessagePart{
				MimeType: "multipart/mixed",
				Headers:  []*gmail.MessagePartHeader{{Name: "Subject", Value: "hi"}},
				Parts: []*gmail.MessagePart{
					{PartId: "0", MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "Ym9keQ", Size: 4}},
					{PartId: "1", MimeType: "application/pdf", Filename: "a.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att", Size: 10}},
				},
			}
		default:
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		writeJSON(w, msg)
	})
	mux.HandleFunc(base+"/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "notFound")
	})

	full := newTestClient(t, mux, Options{Format: FormatFull})
	got, err := full.Fetch(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m1" || got.InternalDate != 1700000000000 || got.HistoryID != 77 || got.SizeEstimate != 42 {
		t.Errorf("message = %+v", got)
	}
	if got.Payload.Header("subject") != "hi" || len(got.Payload.Parts) != 2 {
		t.Fatalf("payload = %+v", got.Payload)
	}
	if att := got.Payload.Parts[1]; att.Filename != "a.pdf" || att.Body.AttachmentID != "att" {
		t.Errorf("attachment part = %+v", att)
	}

	raw := newTestClient(t, mux, Options{Format: FormatRaw})
	got, err = raw.Fetch(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Raw) != source || got.Payload != nil {
		t.Errorf("raw = %q payload = %v", got.Raw, got.Payload)
	}

	if _, err := full.Fetch(context.Background(), "gone"); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Fetch(gone) error = %v, want ErrNotFound", err)
	}
}

func TestState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("format") != "minimal" || !strings.Contains(q.Get("fields"), "labelIds") {
			t.Errorf("query = %v", q)
		}
		writeJSON(w, &gmail.Message{Id: "m1", LabelIds: []string{"INBOX", "STARRED"}})
	})
	mux.HandleFunc(base+"/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "notFound")
	})
	c := newTestClient(t, mux, Options{Format: FormatFull})

	labels, err := c.State(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(labels, ",") != "INBOX,STARRED" {
		t.Errorf("labels = %v", labels)
	}
	if _, err := c.State(context.Background(), "gone"); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("State(gone) error = %v, want ErrNotFound", err)
	}
}

func TestFetchAttachment(t *testing.T) {
	content := []byte("attachment \xff bytes")
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/messages/m1/attachments/att", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString(content), Size: int64(len(content))})
	})
	c := newTestClient(t, mux, Options{})

	got, err := c.FetchAttachment(context.Background(), "m1", "att")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestRemoteErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		reason    string
		header    string
		auth      bool
		retryable bool
		after     time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, "authError", "", true, false, 0},
		{"forbidden", http.StatusForbidden, "insufficientPermissions", "", true, false, 0},
		{"rate limited", http.StatusForbidden, "rateLimitExceeded", "7", false, true, 7 * time.Second},
		{"user rate limited", http.StatusForbidden, "userRateLimitExceeded", "", false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc(base+"/labels", func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				writeError(w, tt.code, tt.reason)
			})
			c := newTestClient(t, mux, Options{})

			_, err := c.Labels(context.Background())
			if mailbox.IsAuth(err) != tt.auth || mailbox.IsRetryable(err) != tt.retryable {
				t.Fatalf("error = %v, auth=%v retryable=%v", err, mailbox.IsAuth(err), mailbox.IsRetryable(err))
			}
			if got := mailbox.RetryAfter(err); got != tt.after {
				t.Errorf("RetryAfter = %s, want %s", got, tt.after)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	plain := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		auth      bool
		retryable bool
		notFound  bool
	}{
		{"nil", nil, false, false, false},
		{"plain", plain, false, false, false},
		{"token refresh", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, true, false, false},
		{"token endpoint down", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}}, false, true, false},
		{"token source unavailable", &url.Error{Op: "Get", URL: "https://gmail", Err: &mailbox.RateLimitedError{Reason: "token endpoint unavailable", Err: &oauth2.RetrieveError{}}}, false, true, false},
		{"server error", &googleapi.Error{Code: http.StatusServiceUnavailable}, false, true, false},
		{"too many requests", &googleapi.Error{Code: http.StatusTooManyRequests}, false, true, false},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, false, false, true},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, false, false, false},
		{"wrapped", fmt.Errorf("call: %w", &googleapi.Error{Code: http.StatusUnauthorized}), true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err)
			if (err == nil) != (tt.err == nil) {
				t.Fatalf("mapError(%v) = %v", tt.err, err)
			}
			if mailbox.IsAuth(err) != tt.auth {
				t.Errorf("IsAuth = %v, want %v", mailbox.IsAuth(err), tt.auth)
			}
			if mailbox.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", mailbox.IsRetryable(err), tt.retryable)
			}
			if errors.Is(err, mailbox.ErrNotFound) != tt.notFound {
				t.Errorf("ErrNotFound = %v, want %v", errors.Is(err, mailbox.ErrNotFound), tt.notFound)
			}
		})
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	if got := retryAfter(h); got != 0 {
		t.Errorf("empty header = %s", got)
	}
	h.Set("Retry-After", "3")
	if got := retryAfter(h); got != 3*time.Second {
		t.Errorf("seconds = %s", got)
	}
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	if got := retryAfter(h); got < 58*time.Minute || got > time.Hour {
		t.Errorf("http date = %s, want about an hour", got)
	}
	h.Set("Retry-After", "soon")
	if got := retryAfter(h); got != 0 {
		t.Errorf("garbage = %s", got)
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/labels", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeError(w, http.StatusForbidden, "rateLimitExceeded")
	})
	mux.HandleFunc(base+"/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeError(w, http.StatusNotFound, "notFound")
	})
	c := newTestClient(t, mux, Options{BreakerFailures: 2, BreakerTimeout: time.Hour})
	ctx := context.Background()

	// Permanent errors do not count.
	for range 3 {
		c.Fetch(ctx, "gone")
	}
	for range 2 {
		if _, err := c.Labels(ctx); !mailbox.IsRetryable(err) {
			t.Fatalf("Labels error = %v, want retryable", err)
		}
	}
	before := hits.Load()

	_, err := c.Labels(ctx)
	var rl *mailbox.RateLimitedError
	if !errors.As(err, &rl) || rl.Reason != "circuit open" || rl.RetryAfter != time.Hour {
		t.Fatalf("error = %v, want circuit open", err)
	}
	if hits.Load() != before {
		t.Error("open breaker should not reach the server")
	}
}
