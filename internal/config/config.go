package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvClientSecret = "GMAIL_CLIENT_SECRET_PATH"
	EnvHome         = "GMARCHIVE_HOME"
	EnvAccount      = "GMARCHIVE_ACCOUNT"
	EnvLogLevel     = "GMARCHIVE_LOG_LEVEL"
)

// Config represents the global ~/.gmarchive/config.toml.
type Config struct {
	DefaultAccount   string `toml:"default_account"`
	ClientSecretPath string `toml:"client_secret_path"`
	TokenStore       string `toml:"token_store"` // file or keyring
	LogLevel         string `toml:"log_level"`
	Sync             Sync   `toml:"sync"`
}

// Sync tunes the sync engine.
type Sync struct {
	BatchSize        int           `toml:"batch_size"`
	Workers          int           `toml:"workers"`
	MaxRetries       int           `toml:"max_retries"`
	BaseBackoff      time.Duration `toml:"base_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff"`
	CallTimeout      time.Duration `toml:"call_timeout"`
	Interval         time.Duration `toml:"interval"`
	FetchFormat      string        `toml:"fetch_format"` // full or raw
	Labels           []string      `toml:"labels"`
	ExcludeLabels    []string      `toml:"exclude_labels"`
	IncludeSpamTrash bool          `toml:"include_spam_trash"`
	BreakerFailures  uint32        `toml:"breaker_failures"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		TokenStore: "file",
		LogLevel:   "info",
		Sync: Sync{
			BatchSize:       100,
			Workers:         4,
			MaxRetries:      5,
			BaseBackoff:     time.Second,
			MaxBackoff:      time.Minute,
			CallTimeout:     30 * time.Second,
			FetchFormat:     "full",
			ExcludeLabels:   []string{"Delete_Status"},
			BreakerFailures: 5,
		},
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored; existing variables win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.ClientSecretPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.TokenStore {
	case "file", "keyring":
	default:
		return fmt.Errorf("token_store %q: want file or keyring", c.TokenStore)
	}
	switch c.Sync.FetchFormat {
	case "full", "raw":
	default:
		return fmt.Errorf("sync.fetch_format %q: want full or raw", c.Sync.FetchFormat)
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch_size %d: want 1..500", c.Sync.BatchSize)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers %d: want at least 1", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries %d: must not be negative", c.Sync.MaxRetries)
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync backoff %s..%s: want 0 < base <= max", c.Sync.BaseBackoff, c.Sync.MaxBackoff)
	}
	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync.call_timeout must be positive")
	}
	return nil
}
