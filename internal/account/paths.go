package account

import (
	"os"
	"path/filepath"

	"github.com/matheus3301/gmarchive/internal/config"
)

// BaseDir returns $GMARCHIVE_HOME, or ~/.gmarchive when unset.
func BaseDir() string {
	if v := os.Getenv(config.EnvHome); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gmarchive")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// DBPath returns the archive database path for an account.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "mail.db")
}

// TokenPath returns the OAuth token file path for an account.
func TokenPath(name string) string {
	return filepath.Join(Dir(name), "token.json")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the sync log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "gmarchive.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional .env file next to the config.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
