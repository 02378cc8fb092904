package account

import (
	"os"

	"github.com/matheus3301/gmarchive/internal/config"
)

const DefaultName = "default"

// Resolve determines the active account name using precedence:
// 1. flagOverride (--account flag)
// 2. config.toml default_account
// 3. $GMARCHIVE_ACCOUNT
// 4. "default"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultAccount != "" {
		return cfg.DefaultAccount
	}
	if v := os.Getenv(config.EnvAccount); v != "" {
		return v
	}
	return DefaultName
}
