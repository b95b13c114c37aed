// ABOUTME: Configuration loading and parsing for mcp-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultMaxSessions     = 1000
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultEventBufferSize = 1000
)

// Config represents the complete mcp-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Servers   []MCPServer     `yaml:"servers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listen address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the RPC log archive database configuration.
// An empty path disables archiving.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// token verification and the relay identifies clients by cookie only.
// Issuer and audience are enforced on bearer tokens only when set.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
}

// SessionsConfig controls the session-keyed manager store.
type SessionsConfig struct {
	// Mode is "session" (one manager per session key) or "singleton".
	Mode       string `yaml:"mode"`
	MaxEntries int    `yaml:"max_entries"`

	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ApprovalConfig controls the tool approval gate.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// MCPServer declares one downstream tool-providing server.
type MCPServer struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Duration strings
// are parsed into time.Duration values, and the RELAY_* environment knobs
// override whatever the file sets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all tunables at their defaults and no
// downstream servers. Used when the relay runs without a config file. The
// RELAY_* environment knobs still apply.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish parses durations, applies environment overrides, fills defaults,
// and validates.
func (c *Config) finish() error {
	if err := c.parseDurations(); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
// A TTL of "0" is kept as zero rather than replaced with the default; the
// session store treats zero TTL as expire-at-next-sweep.
func (c *Config) parseDurations() error {
	var err error

	c.Sessions.TTL = DefaultSessionTTL
	if c.Sessions.TTLRaw != "" {
		c.Sessions.TTL, err = time.ParseDuration(c.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", c.Sessions.TTLRaw, err)
		}
	}

	if c.Sessions.SweepIntervalRaw != "" {
		c.Sessions.SweepInterval, err = time.ParseDuration(c.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.sweep_interval %q: %w", c.Sessions.SweepIntervalRaw, err)
		}
	}

	if c.Approval.TimeoutRaw != "" {
		c.Approval.Timeout, err = time.ParseDuration(c.Approval.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval.timeout %q: %w", c.Approval.TimeoutRaw, err)
		}
	}

	return nil
}

// applyEnvOverrides lets operators tune the store and gate without editing
// the config file. A malformed value never aborts startup: it is logged and
// the built-in default applies instead.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAY_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sessions.TTL = d
		} else {
			slog.Warn("ignoring malformed RELAY_SESSION_TTL", "value", v, "default", DefaultSessionTTL)
			c.Sessions.TTL = DefaultSessionTTL
		}
	}
	if v := os.Getenv("RELAY_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sessions.SweepInterval = d
		} else {
			slog.Warn("ignoring malformed RELAY_SWEEP_INTERVAL", "value", v, "default", DefaultSweepInterval)
			c.Sessions.SweepInterval = DefaultSweepInterval
		}
	}
	if v := os.Getenv("RELAY_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sessions.MaxEntries = n
		} else {
			slog.Warn("ignoring malformed RELAY_MAX_SESSIONS", "value", v, "default", DefaultMaxSessions)
			c.Sessions.MaxEntries = DefaultMaxSessions
		}
	}
	if v := os.Getenv("RELAY_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.Timeout = d
		} else {
			slog.Warn("ignoring malformed RELAY_APPROVAL_TIMEOUT", "value", v, "default", DefaultApprovalTimeout)
			c.Approval.Timeout = DefaultApprovalTimeout
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Sessions.Mode == "" {
		c.Sessions.Mode = "session"
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Sessions.MaxEntries <= 0 {
		c.Sessions.MaxEntries = DefaultMaxSessions
	}
	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = DefaultApprovalTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Sessions.Mode != "session" && c.Sessions.Mode != "singleton" {
		return fmt.Errorf("sessions.mode must be \"session\" or \"singleton\", got %q", c.Sessions.Mode)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if srv.ID == "" {
			return fmt.Errorf("servers[%d].id is required", i)
		}
		if srv.URL == "" {
			return fmt.Errorf("servers[%d].url is required", i)
		}
		if seen[srv.ID] {
			return fmt.Errorf("duplicate server id %q", srv.ID)
		}
		seen[srv.ID] = true
	}

	return nil
}
