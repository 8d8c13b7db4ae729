// ABOUTME: Configuration loading for the relay-agent daemon
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway  GatewayConfig  `toml:"gateway"`
	Delivery DeliveryConfig `toml:"delivery"`
	Poll     PollConfig     `toml:"poll"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
}

type DeliveryConfig struct {
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	TimeoutRaw string   `toml:"timeout"`

	Timeout time.Duration `toml:"-"`
}

type PollConfig struct {
	IntervalRaw          string `toml:"interval"`
	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
	MaxBatch             int    `toml:"max_batch"`

	Interval          time.Duration `toml:"-"`
	HeartbeatInterval time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Credentials is the identity issued at registration, persisted
// separately from the config so the secret never lands in a file the
// operator edits by hand.
type Credentials struct {
	SenderID string `toml:"sender_id"`
	Secret   string `toml:"secret"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.timeout", c.Delivery.TimeoutRaw, &c.Delivery.Timeout},
		{"poll.interval", c.Poll.IntervalRaw, &c.Poll.Interval},
		{"poll.heartbeat_interval", c.Poll.HeartbeatIntervalRaw, &c.Poll.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Delivery.Command == "" {
		return fmt.Errorf("delivery.command is required")
	}
	if c.Poll.MaxBatch < 0 {
		return fmt.Errorf("poll.max_batch must not be negative")
	}
	return nil
}

// LoadCredentials reads the saved identity written by a previous
// register run.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if _, err := toml.Decode(string(data), &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	if creds.SenderID == "" || creds.Secret == "" {
		return nil, fmt.Errorf("credentials file %s is incomplete", path)
	}

	return &creds, nil
}

// SaveCredentials writes the identity with owner-only permissions.
func SaveCredentials(path string, creds *Credentials) error {
	var buf strings.Builder
	buf.WriteString("# relay-agent credentials\n")
	buf.WriteString("# Generated by relay-agent register. Do not share.\n\n")
	buf.WriteString(fmt.Sprintf("sender_id = %q\n", creds.SenderID))
	buf.WriteString(fmt.Sprintf("secret = %q\n", creds.Secret))

	if err := os.WriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}
