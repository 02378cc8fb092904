// Package credential supplies OAuth2 access tokens for the Gmail API:
// loading the client secret, storing tokens, refreshing them, and the
// interactive consent flow.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	gosync "sync"

	"github.com/matheus3301/gmarchive/internal/bus"
	"github.com/matheus3301/gmarchive/internal/mailbox"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

var (
	// ErrNotAuthorized means no token is stored; run the auth command.
	ErrNotAuthorized = errors.New("credential: account not authorized")
	// ErrNoRefreshToken means the stored token cannot be refreshed.
	ErrNoRefreshToken = errors.New("credential: token has no refresh token")
)

// Provider hands out access tokens for one account. Failures are reported
// as *mailbox.AuthError so the sync engine can tell them apart.
type Provider struct {
	config *oauth2.Config
	store  TokenStore
	bus    *bus.Bus

	mu    gosync.Mutex
	token *oauth2.Token
}

// LoadConfig reads a Google client secret JSON file.
func LoadConfig(path string) (*oauth2.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("client secret path not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	return cfg, nil
}

// NewProvider creates a provider. b may be nil.
func NewProvider(cfg *oauth2.Config, store TokenStore, b *bus.Bus) *Provider {
	return &Provider{config: cfg, store: store, bus: b}
}

// Token returns a valid access token, refreshing an expired one.
func (p *Provider) Token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, err := p.current()
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	return p.refreshLocked(ctx, tok)
}

// Refresh exchanges the refresh token for a new access token even if the
// current one has not expired.
func (p *Provider) Refresh(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, err := p.current()
	if err != nil {
		return nil, err
	}
	return p.refreshLocked(ctx, tok)
}

// TokenSource adapts the provider for HTTP transports.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, p: p}
}

type tokenSource struct {
	ctx context.Context
	p   *Provider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	return s.p.Token(s.ctx)
}

func (p *Provider) current() (*oauth2.Token, error) {
	if p.token != nil {
		return p.token, nil
	}
	tok, err := p.store.Load()
	if errors.Is(err, ErrNoToken) {
		return nil, &mailbox.AuthError{Err: ErrNotAuthorized}
	}
	if err != nil {
		return nil, err
	}
	p.token = tok
	return tok, nil
}

// refreshError separates a rejected grant from an unavailable token
// endpoint. Only the former needs the user to authorize again.
func refreshError(err error) error {
	wrapped := fmt.Errorf("refresh token: %w", err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		if code != http.StatusTooManyRequests && code < http.StatusInternalServerError {
			return &mailbox.AuthError{Err: wrapped}
		}
	}
	return &mailbox.RateLimitedError{Reason: "token endpoint unavailable", Err: wrapped}
}

func (p *Provider) refreshLocked(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	if tok.RefreshToken == "" {
		return nil, &mailbox.AuthError{Err: ErrNoRefreshToken}
	}
	// Without an access token the source always goes to the token endpoint.
	fresh, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return nil, refreshError(err)
	}
	if err := p.store.Save(fresh); err != nil {
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}
	p.token = fresh
	return fresh, nil
}
