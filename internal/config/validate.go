package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultAdminPassword is the documented development password. It is only
// accepted in debug mode and the provisioned account is flagged for
// rotation.
const DefaultAdminPassword = "admin123"

var (
	ErrMissingSecretKey      = errors.New("SECRET_KEY must be set when DEBUG is off")
	ErrInsecureSecretKey     = errors.New("SECRET_KEY is a placeholder value")
	ErrMissingAdminPassword  = errors.New("ADMIN_PASSWORD must be set when DEBUG is off")
	ErrInsecureAdminPassword = errors.New("ADMIN_PASSWORD must not be the documented default when DEBUG is off")
	ErrInvalidPort           = errors.New("server port out of range")
	ErrUnknownDriver         = errors.New("unknown database driver")
)

var insecureSecretPrefixes = []string{"django-insecure-", "insecure-", "changeme"}

// Validate checks the configuration for the selected mode and fills in
// development fallbacks. It must be called once after Load and before any
// component is built from cfg.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Database.Driver)
	}

	if err := c.validateSecret(); err != nil {
		return err
	}

	if c.IsBrowserOnly() {
		return nil
	}
	return c.validateAdmin()
}

func (c *Config) validateSecret() error {
	for _, prefix := range insecureSecretPrefixes {
		if c.SecretKey != "" && strings.HasPrefix(strings.ToLower(c.SecretKey), prefix) {
			if c.Debug || c.IsBrowserOnly() {
				slog.Warn("SECRET_KEY looks like a placeholder; acceptable only for local use")
				return nil
			}
			return ErrInsecureSecretKey
		}
	}

	if c.SecretKey != "" {
		return nil
	}

	// Nothing signed with a per-process key survives a restart, which is
	// exactly the lifetime of browser-only data and of a debug session.
	if !c.Debug && !c.IsBrowserOnly() {
		return ErrMissingSecretKey
	}
	key, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating ephemeral secret key: %w", err)
	}
	c.SecretKey = key
	slog.Warn("SECRET_KEY not set; using a random per-process key", "mode", c.Mode)
	return nil
}

func (c *Config) validateAdmin() error {
	switch {
	case c.Admin.Password == "" && c.Debug:
		c.Admin.Password = DefaultAdminPassword
		c.Admin.MustChangePassword = true
		slog.Warn("ADMIN_PASSWORD not set; provisioning the default password, rotate it immediately",
			"username", c.Admin.Username)
	case c.Admin.Password == "":
		return ErrMissingAdminPassword
	case c.Admin.Password == DefaultAdminPassword && !c.Debug:
		return ErrInsecureAdminPassword
	case c.Admin.Password == DefaultAdminPassword:
		c.Admin.MustChangePassword = true
	}
	if c.Admin.Username == "" {
		return errors.New("admin username must not be empty")
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
