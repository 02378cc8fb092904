package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"golang.org/x/oauth2"
)

func TestFileStore(t *testing.T) {
	s := &FileStore{Path: filepath.Join(t.TempDir(), "acct", "token.json")}

	if _, err := s.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load() on empty store = %v, want ErrNoToken", err)
	}
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour).Round(time.Second)}
	if err := s.Save(tok); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a" || got.RefreshToken != "r" || !got.Expiry.Equal(tok.Expiry) {
		t.Errorf("Load() = %+v", got)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Errorf("second Delete() = %v", err)
	}
}

func TestKeyringStore(t *testing.T) {
	s := NewKeyringStore(keyring.NewArrayKeyring(nil), "me")

	if _, err := s.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load() on empty keyring = %v, want ErrNoToken", err)
	}
	if err := s.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.RefreshToken != "r" {
		t.Errorf("Load() = %+v", got)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Load() after delete = %v", err)
	}
}

// tokenServer serves the OAuth2 token endpoint.
func tokenServer(t *testing.T, status int, body map[string]any, seen *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if seen != nil {
			*seen = append(*seen, r.Form.Get("grant_type")+":"+r.Form.Get("code")+r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestProviderToken(t *testing.T) {
	var seen []string
	srv := tokenServer(t, http.StatusOK, map[string]any{
		"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600,
	}, &seen)
	store := &FileStore{Path: filepath.Join(t.TempDir(), "token.json")}
	p := NewProvider(testConfig(srv.URL), store, nil)
	ctx := context.Background()

	if _, err := p.Token(ctx); !mailbox.IsAuth(err) || !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Token() without a stored token = %v", err)
	}

	valid := &oauth2.Token{AccessToken: "valid", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}
	if err := store.Save(valid); err != nil {
		t.Fatal(err)
	}
	tok, err := p.Token(ctx)
	if err != nil || tok.AccessToken != "valid" {
		t.Fatalf("Token() = %v, %v", tok, err)
	}
	if len(seen) != 0 {
		t.Errorf("valid token refreshed: %v", seen)
	}

	tok, err = p.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "fresh" || tok.RefreshToken != "r1" {
		t.Errorf("Refresh() = %+v", tok)
	}
	if len(seen) != 1 || seen[0] != "refresh_token:r1" {
		t.Errorf("token endpoint saw %v", seen)
	}
	stored, _ := store.Load()
	if stored.AccessToken != "fresh" {
		t.Errorf("refreshed token not saved: %+v", stored)
	}
}

func TestProviderRefreshFailures(t *testing.T) {
	srv := tokenServer(t, http.StatusBadRequest, map[string]any{"error": "invalid_grant"}, nil)
	tests := []struct {
		name    string
		token   *oauth2.Token
		wantErr error
	}{
		{name: "rejected", token: &oauth2.Token{AccessToken: "old", RefreshToken: "revoked"}},
		{name: "no refresh token", token: &oauth2.Token{AccessToken: "old"}, wantErr: ErrNoRefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &FileStore{Path: filepath.Join(t.TempDir(), "token.json")}
			if err := store.Save(tt.token); err != nil {
				t.Fatal(err)
			}
			p := NewProvider(testConfig(srv.URL), store, nil)
			_, err := p.Refresh(context.Background())
			if !mailbox.IsAuth(err) {
				t.Fatalf("Refresh() = %v, want AuthError", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Refresh() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProviderRefreshEndpointUnavailable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	tests := []struct {
		name     string
		tokenURL string
	}{
		{name: "server error", tokenURL: tokenServer(t, http.StatusServiceUnavailable, map[string]any{"error": "backend"}, nil).URL},
		{name: "throttled", tokenURL: tokenServer(t, http.StatusTooManyRequests, map[string]any{"error": "slow_down"}, nil).URL},
		{name: "unreachable", tokenURL: down.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &FileStore{Path: filepath.Join(t.TempDir(), "token.json")}
			old := &oauth2.Token{AccessToken: "old", RefreshToken: "r1"}
			if err := store.Save(old); err != nil {
				t.Fatal(err)
			}
			p := NewProvider(testConfig(tt.tokenURL), store, nil)
			_, err := p.Refresh(context.Background())
			if mailbox.IsAuth(err) || !mailbox.IsRetryable(err) {
				t.Fatalf("Refresh() = %v, want a retryable error", err)
			}
			stored, _ := store.Load()
			if stored.RefreshToken != "r1" {
				t.Errorf("stored token changed: %+v", stored)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	var seen []string
	srv := tokenServer(t, http.StatusOK, map[string]any{
		"access_token": "granted", "refresh_token": "r", "token_type": "Bearer", "expires_in": 3600,
	}, &seen)
	store := NewKeyringStore(keyring.NewArrayKeyring(nil), "me")
	p := NewProvider(testConfig(srv.URL), store, nil)

	var out bytes.Buffer
	in := strings.NewReader("http://localhost/?state=x&code=abc123&scope=gmail\n")
	tok, err := p.Authorize(context.Background(), in, &out)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "granted" {
		t.Errorf("token = %+v", tok)
	}
	if len(seen) != 1 || seen[0] != "authorization_code:abc123" {
		t.Errorf("token endpoint saw %v", seen)
	}
	if !strings.Contains(out.String(), "https://accounts.example.com/auth?") || !strings.Contains(out.String(), "access_type=offline") {
		t.Errorf("consent URL not printed:\n%s", out.String())
	}
	if !strings.ContainsRune(out.String(), '█') {
		t.Error("QR code not printed")
	}
	stored, err := store.Load()
	if err != nil || stored.RefreshToken != "r" {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestReadCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "4/abc\n", want: "4/abc"},
		{in: "  4/abc  \n", want: "4/abc"},
		{in: "http://localhost/?code=xyz&scope=a", want: "xyz"},
		{in: "", wantErr: true},
		{in: "\n", wantErr: true},
	}
	for _, tt := range tests {
		got, err := readCode(strings.NewReader(tt.in))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("readCode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRenderQR(t *testing.T) {
	out := renderQR("https://accounts.example.com/auth?client_id=abc")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("QR has %d lines", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if len([]rune(l)) != width {
			t.Fatalf("line %d width %d, want %d", i, len([]rune(l)), width)
		}
	}
}
