// Package config provides configuration management for the Fabric Agent Gateway
// server. Settings are loaded from an optional YAML file and then overridden by
// environment variables, so the server can run from a plain .env in development
// and from injected app settings in production.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// TenantID is the Azure AD tenant used for authentication.
	TenantID string `yaml:"tenant-id" json:"tenant-id"`

	// ClientID is the Azure AD app registration client ID. When both ClientID
	// and ClientSecret are set the server authenticates as a confidential
	// client (service principal).
	ClientID string `yaml:"client-id" json:"client-id"`

	// ClientSecret is the Azure AD app registration client secret.
	ClientSecret string `yaml:"client-secret" json:"client-secret"`

	// DataAgentURL is the published URL of the Fabric Data Agent. Required.
	DataAgentURL string `yaml:"data-agent-url" json:"data-agent-url"`

	// SessionExpiryHours is the session lifetime in hours. Defaults to 24.
	SessionExpiryHours int `yaml:"session-expiry-hours" json:"session-expiry-hours"`

	// AllowedOrigins lists the origins permitted by the CORS middleware.
	AllowedOrigins []string `yaml:"allowed-origins" json:"allowed-origins"`

	// Redis configures the durable session store. When empty the server falls
	// back to Postgres (if configured) and then to in-process sessions.
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// PostgresDSN enables the Postgres-backed session store when set.
	PostgresDSN string `yaml:"postgres-dsn" json:"postgres-dsn"`

	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`
}

// RedisConfig holds connection settings for the Redis session backend.
// URL takes precedence; otherwise Host/Port/Password are used.
type RedisConfig struct {
	URL      string `yaml:"url" json:"url"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	TLS      bool   `yaml:"tls" json:"tls"`
}

// Configured reports whether any Redis connection setting is present.
func (r RedisConfig) Configured() bool {
	return r.URL != "" || r.Host != ""
}

// Addr returns the host:port address for the non-URL connection form.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", r.Host, port)
}

// LoadConfig reads the YAML configuration file at path (if it exists), applies
// environment variable overrides, fills defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if cfg.DataAgentURL == "" {
		return nil, fmt.Errorf("config: data agent URL is required (set DATA_AGENT_URL)")
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.TenantID, "TENANT_ID")
	setString(&c.ClientID, "CLIENT_ID")
	setString(&c.ClientSecret, "CLIENT_SECRET")
	setString(&c.DataAgentURL, "DATA_AGENT_URL")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Port, "PORT")
	setInt(&c.SessionExpiryHours, "SESSION_EXPIRY_HOURS")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setBool(&c.Redis.TLS, "REDIS_SSL")
	setBool(&c.LoggingToFile, "LOGGING_TO_FILE")
	setBool(&c.Debug, "DEBUG")

	if origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); origins != "" {
		parts := strings.Split(origins, ",")
		c.AllowedOrigins = c.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, p)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.SessionExpiryHours <= 0 {
		c.SessionExpiryHours = 24
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:4200"}
	}
}

// ServicePrincipal reports whether confidential-client credentials are configured.
func (c *Config) ServicePrincipal() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// MaskedTenantID returns the tenant ID truncated for health output.
func (c *Config) MaskedTenantID() string {
	if c.TenantID == "" {
		return "not_set"
	}
	if len(c.TenantID) <= 8 {
		return c.TenantID + "..."
	}
	return c.TenantID[:8] + "..."
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
