package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TESSERA_DATABASE_URL", "postgres://tessera:pw@localhost/tessera")
	t.Setenv("TESSERA_LISTEN", ":9090")
	t.Setenv("TESSERA_WEBHOOK_URL", "https://hooks.example.com/tessera")
	t.Setenv("TESSERA_RATE_LIMIT_ENABLED", "true")
	t.Setenv("TESSERA_RATE_LIMIT_PER_MINUTE", "42")
	t.Setenv("TESSERA_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("TESSERA_WEBHOOK_TIMEOUT_SECONDS", "15")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "postgres://tessera:pw@localhost/tessera", cfg.DatabaseURL)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 42, cfg.RateLimitPerMinute)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Second, cfg.WebhookTimeout)
	assert.False(t, cfg.Production())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("TESSERA_DATABASE_URL", "")
	_, err := Load("")
	require.Error(t, err)
}

func TestProductionHardening(t *testing.T) {
	t.Setenv("TESSERA_DATABASE_URL", "postgres://localhost/tessera")
	t.Setenv("TESSERA_ENV", "production")

	// Default session secret is refused in production.
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("TESSERA_SESSION_SECRET_KEY", "a-real-secret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Production())

	// auth_disabled cannot be combined with production.
	t.Setenv("TESSERA_AUTH_DISABLED", "true")
	_, err = Load("")
	require.Error(t, err)
}

func TestAdminCredentialsMustPair(t *testing.T) {
	t.Setenv("TESSERA_DATABASE_URL", "postgres://localhost/tessera")
	t.Setenv("TESSERA_ADMIN_EMAIL", "admin@corp.com")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("TESSERA_ADMIN_PASSWORD", "pw")
	_, err = Load("")
	require.NoError(t, err)
}

func TestLoadTOMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tessera.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":7070"
DatabaseURL = "postgres://file/db"
Environment = "staging"
`), 0o644))

	t.Setenv("TESSERA_DATABASE_URL", "postgres://env/db")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddress)
	assert.Equal(t, "staging", cfg.Environment)
	// Environment variables win over the file.
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
}
