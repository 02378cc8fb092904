package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/matheus3301/gmarchive/internal/account"
	"golang.org/x/oauth2"
)

// ErrNoToken means the account has never been authorized.
var ErrNoToken = errors.New("credential: no stored token")

// Token store kinds accepted in the config file.
const (
	StoreFile    = "file"
	StoreKeyring = "keyring"
)

const serviceName = "gmarchive"

// TokenStore persists one account's OAuth2 token.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
	Delete() error
}

// OpenStore returns the token store of the given kind for an account.
func OpenStore(kind, accountName string) (TokenStore, error) {
	switch kind {
	case "", StoreFile:
		return &FileStore{Path: account.TokenPath(accountName)}, nil
	case StoreKeyring:
		ring, err := openKeyring(account.Dir(accountName))
		if err != nil {
			return nil, err
		}
		return NewKeyringStore(ring, accountName), nil
	}
	return nil, fmt.Errorf("unknown token store %q", kind)
}

// FileStore keeps the token as JSON in a 0600 file.
type FileStore struct {
	Path string
}

func (s *FileStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", s.Path, err)
	}
	return tok, nil
}

func (s *FileStore) Save(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileStore) Delete() error {
	err := os.Remove(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// KeyringStore keeps the token in the OS keyring, keyed by account.
type KeyringStore struct {
	ring keyring.Keyring
	key  string
}

// NewKeyringStore stores the account's token in ring.
func NewKeyringStore(ring keyring.Keyring, accountName string) *KeyringStore {
	return &KeyringStore{ring: ring, key: "token:" + accountName}
}

func (s *KeyringStore) Load() (*oauth2.Token, error) {
	item, err := s.ring.Get(s.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", s.key, err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(item.Data, tok); err != nil {
		return nil, fmt.Errorf("decode token %q: %w", s.key, err)
	}
	return tok, nil
}

func (s *KeyringStore) Save(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.ring.Set(keyring.Item{Key: s.key, Data: data, Label: serviceName + " " + s.key}); err != nil {
		return fmt.Errorf("setting token %q: %w", s.key, err)
	}
	return nil
}

func (s *KeyringStore) Delete() error {
	err := s.ring.Remove(s.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token %q: %w", s.key, err)
	}
	return nil
}

// openKeyring returns a configured keyring instance. The file backend is the
// last resort on machines without a keychain or secret service.
func openKeyring(dir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "keyring"),
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}
