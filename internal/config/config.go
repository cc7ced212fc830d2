// ABOUTME: Configuration loading and parsing for beacon-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// PlaceholderEncryptionSecret is the value shipped in sample configs. It is
// treated as "not configured" by the secret cipher.
const PlaceholderEncryptionSecret = "change-me-in-production"

// MinJWTSecretLength is the minimum accepted length of auth.jwt_secret in bytes.
const MinJWTSecretLength = 32

// Defaults applied when a field is left empty.
const (
	DefaultTokenLifetime   = 24 * time.Hour
	DefaultCookieName      = "beacon_session"
	DefaultDNSTimeout      = 3 * time.Second
	DefaultDispatchTimeout = 10 * time.Second
	DefaultSweepSchedule   = "@every 1h"
	DefaultKeyFileName     = "encryption.key"
)

// Config represents the complete beacon-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Encryption EncryptionConfig `yaml:"encryption" toml:"encryption"`
	Webhooks   WebhooksConfig   `yaml:"webhooks" toml:"webhooks"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Passkeys   PasskeysConfig   `yaml:"passkeys" toml:"passkeys"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC listener
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token signing and session cookie configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName    string        `yaml:"cookie_name" toml:"cookie_name"`
	CookieSecure  bool          `yaml:"cookie_secure" toml:"cookie_secure"`
	TokenLifetime time.Duration `yaml:"-" toml:"-"`

	TokenLifetimeRaw string `yaml:"token_lifetime" toml:"token_lifetime"`
}

// EncryptionConfig holds at-rest encryption configuration
type EncryptionConfig struct {
	// Secret is an operator supplied passphrase. When empty or equal to
	// PlaceholderEncryptionSecret a generated key is loaded from KeyFile.
	Secret  string `yaml:"secret" toml:"secret"`
	KeyFile string `yaml:"key_file" toml:"key_file"`
}

// WebhooksConfig holds outbound webhook policy
type WebhooksConfig struct {
	// AllowHTTP relaxes the scheme policy for development setups.
	AllowHTTP       bool          `yaml:"allow_http" toml:"allow_http"`
	DNSTimeout      time.Duration `yaml:"-" toml:"-"`
	DispatchTimeout time.Duration `yaml:"-" toml:"-"`

	DNSTimeoutRaw      string `yaml:"dns_timeout" toml:"dns_timeout"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout" toml:"dispatch_timeout"`
}

// SessionsConfig holds session housekeeping configuration
type SessionsConfig struct {
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`
}

// PasskeysConfig holds WebAuthn relying party configuration
type PasskeysConfig struct {
	// BaseURL is the external URL of the gateway; the relying party ID is derived from it
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve :443 with tailnet certificates
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, filepath.Ext(path))
}

// Parse decodes raw configuration bytes. ext selects the decoder (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in optional fields that were left empty.
func (c *Config) applyDefaults() {
	if c.Auth.TokenLifetime == 0 {
		c.Auth.TokenLifetime = DefaultTokenLifetime
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = DefaultCookieName
	}
	if c.Webhooks.DNSTimeout == 0 {
		c.Webhooks.DNSTimeout = DefaultDNSTimeout
	}
	if c.Webhooks.DispatchTimeout == 0 {
		c.Webhooks.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Sessions.SweepSchedule == "" {
		c.Sessions.SweepSchedule = DefaultSweepSchedule
	}
	if c.Encryption.KeyFile == "" && c.Database.Path != "" && c.Database.Path != ":memory:" {
		c.Encryption.KeyFile = filepath.Join(filepath.Dir(c.Database.Path), DefaultKeyFileName)
	}
	if c.Passkeys.DisplayName == "" {
		c.Passkeys.DisplayName = "beacon"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Auth.TokenLifetime < 0 {
		return errors.New("auth.token_lifetime must be positive")
	}

	if c.Sessions.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Sessions.SweepSchedule); err != nil {
			return fmt.Errorf("sessions.sweep_schedule %q: %w", c.Sessions.SweepSchedule, err)
		}
	}

	return nil
}

// EncryptionSecretConfigured reports whether an operator supplied encryption
// secret should be used instead of the generated key file.
func (c *Config) EncryptionSecretConfigured() bool {
	return c.Encryption.Secret != "" && c.Encryption.Secret != PlaceholderEncryptionSecret
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_lifetime", cfg.Auth.TokenLifetimeRaw, &cfg.Auth.TokenLifetime},
		{"webhooks.dns_timeout", cfg.Webhooks.DNSTimeoutRaw, &cfg.Webhooks.DNSTimeout},
		{"webhooks.dispatch_timeout", cfg.Webhooks.DispatchTimeoutRaw, &cfg.Webhooks.DispatchTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
