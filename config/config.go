package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSessionSecret is the development fallback; startup refuses it in
// production.
const DefaultSessionSecret = "tessera-dev-session-secret"

// Config represents runtime configuration for the coordination service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseURL string `toml:"DatabaseURL"`
	RedisURL    string `toml:"RedisURL"`

	WebhookURL     string        `toml:"WebhookURL"`
	WebhookSecret  string        `toml:"WebhookSecret"`
	WebhookTimeout time.Duration `toml:"-"`

	BootstrapAPIKey  string `toml:"BootstrapAPIKey"`
	SessionSecretKey string `toml:"SessionSecretKey"`
	AuthDisabled     bool   `toml:"AuthDisabled"`

	AdminEmail    string `toml:"AdminEmail"`
	AdminPassword string `toml:"AdminPassword"`
	AdminName     string `toml:"AdminName"`

	CORSOrigins      []string `toml:"CORSOrigins"`
	CORSAllowMethods []string `toml:"CORSAllowMethods"`

	RateLimitEnabled   bool `toml:"RateLimitEnabled"`
	RateLimitPerMinute int  `toml:"RateLimitPerMinute"`

	GitSyncPath string `toml:"GitSyncPath"`
}

// Production reports whether the service runs with production hardening
// (HTTPS-only webhooks, no wildcard CORS, session secret enforcement).
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Load reads the optional TOML file at path (when non-empty) and applies
// environment variable overrides on top. Validation happens last so file and
// env combine before being checked.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration from the environment, reading the optional
// TOML file named by TESSERA_CONFIG first.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("TESSERA_CONFIG"))
}

func defaults() *Config {
	return &Config{
		ListenAddress:      ":8080",
		Environment:        "development",
		WebhookTimeout:     30 * time.Second,
		SessionSecretKey:   DefaultSessionSecret,
		CORSOrigins:        []string{"*"},
		CORSAllowMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		RateLimitPerMinute: 120,
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddress, "TESSERA_LISTEN")
	setString(&cfg.Environment, "TESSERA_ENV")
	setString(&cfg.DatabaseURL, "TESSERA_DATABASE_URL")
	setString(&cfg.RedisURL, "TESSERA_REDIS_URL")
	setString(&cfg.WebhookURL, "TESSERA_WEBHOOK_URL")
	setString(&cfg.WebhookSecret, "TESSERA_WEBHOOK_SECRET")
	setString(&cfg.BootstrapAPIKey, "TESSERA_BOOTSTRAP_API_KEY")
	setString(&cfg.SessionSecretKey, "TESSERA_SESSION_SECRET_KEY")
	setString(&cfg.AdminEmail, "TESSERA_ADMIN_EMAIL")
	setString(&cfg.AdminPassword, "TESSERA_ADMIN_PASSWORD")
	setString(&cfg.AdminName, "TESSERA_ADMIN_NAME")
	setString(&cfg.GitSyncPath, "TESSERA_GIT_SYNC_PATH")

	if values := parseCSVEnv("TESSERA_CORS_ORIGINS"); len(values) > 0 {
		cfg.CORSOrigins = values
	}
	if values := parseCSVEnv("TESSERA_CORS_ALLOW_METHODS"); len(values) > 0 {
		cfg.CORSAllowMethods = values
	}
	cfg.AuthDisabled = parseBoolEnv("TESSERA_AUTH_DISABLED", cfg.AuthDisabled)
	cfg.RateLimitEnabled = parseBoolEnv("TESSERA_RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitPerMinute = parseIntEnv("TESSERA_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	if seconds := parseIntEnv("TESSERA_WEBHOOK_TIMEOUT_SECONDS", 0); seconds > 0 {
		cfg.WebhookTimeout = time.Duration(seconds) * time.Second
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("TESSERA_DATABASE_URL is required")
	}
	if cfg.RateLimitPerMinute < 0 {
		cfg.RateLimitPerMinute = 0
	}
	if cfg.Production() {
		if cfg.SessionSecretKey == DefaultSessionSecret {
			return fmt.Errorf("TESSERA_SESSION_SECRET_KEY must be set in production")
		}
		if cfg.AuthDisabled {
			return fmt.Errorf("TESSERA_AUTH_DISABLED cannot be enabled in production")
		}
	}
	if (cfg.AdminEmail == "") != (cfg.AdminPassword == "") {
		return fmt.Errorf("TESSERA_ADMIN_EMAIL and TESSERA_ADMIN_PASSWORD must be set together")
	}
	return nil
}

func setString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
