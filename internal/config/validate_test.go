package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(mode Mode) *Config {
	return &Config{
		Mode:     mode,
		Server:   ServerConfig{Host: "0.0.0.0", Port: 7860},
		Database: DatabaseConfig{Driver: "sqlite"},
		Admin:    AdminConfig{Username: "admin", Email: "admin@example.com"},
	}
}

func TestValidate_FullMode(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(c *Config)
		wantErr    error
		wantMustCh bool
	}{
		{
			name: "explicit secret and password",
			mutate: func(c *Config) {
				c.SecretKey = "a-real-secret"
				c.Admin.Password = "correct horse"
			},
		},
		{
			name:    "missing secret outside debug",
			mutate:  func(c *Config) { c.Admin.Password = "correct horse" },
			wantErr: ErrMissingSecretKey,
		},
		{
			name: "placeholder secret outside debug",
			mutate: func(c *Config) {
				c.SecretKey = "django-insecure-change-me"
				c.Admin.Password = "correct horse"
			},
			wantErr: ErrInsecureSecretKey,
		},
		{
			name:    "missing admin password outside debug",
			mutate:  func(c *Config) { c.SecretKey = "a-real-secret" },
			wantErr: ErrMissingAdminPassword,
		},
		{
			name: "default admin password outside debug",
			mutate: func(c *Config) {
				c.SecretKey = "a-real-secret"
				c.Admin.Password = DefaultAdminPassword
			},
			wantErr: ErrInsecureAdminPassword,
		},
		{
			name:       "debug falls back to defaults",
			mutate:     func(c *Config) { c.Debug = true },
			wantMustCh: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: ErrInvalidPort,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: ErrUnknownDriver,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(ModeFull)
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.SecretKey)
			assert.NotEmpty(t, cfg.Admin.Password)
			assert.Equal(t, tc.wantMustCh, cfg.Admin.MustChangePassword)
		})
	}
}

func TestValidate_DebugGeneratesDistinctSecrets(t *testing.T) {
	a := baseConfig(ModeFull)
	a.Debug = true
	b := baseConfig(ModeFull)
	b.Debug = true

	require.NoError(t, a.Validate())
	require.NoError(t, b.Validate())

	assert.Len(t, a.SecretKey, 64)
	assert.NotEqual(t, a.SecretKey, b.SecretKey)
	assert.Equal(t, DefaultAdminPassword, a.Admin.Password)
}

func TestValidate_BrowserOnlySkipsAdmin(t *testing.T) {
	cfg := baseConfig(ModeBrowserOnly)

	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.SecretKey, "ephemeral key generated")
	assert.Empty(t, cfg.Admin.Password, "no admin account in browser-only mode")
}
