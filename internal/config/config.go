// ABOUTME: Configuration loading and parsing for moltis-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete moltis-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tailscale TailscaleConfig  `yaml:"tailscale"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Providers []ProviderConfig `yaml:"providers"`
	Chat      ChatConfig       `yaml:"chat"`
	Push      PushConfig       `yaml:"push"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// WorkDir is the working directory for the shell tool
	WorkDir string `yaml:"work_dir"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds connection authentication configuration
type AuthConfig struct {
	// TokenSecret signs issued session tokens (JWT HS256)
	TokenSecret string `yaml:"token_secret"`
	// PasswordHash is a bcrypt hash accepted for password login
	PasswordHash string `yaml:"password_hash"`
}

// ProviderConfig describes one completion backend in the fallback chain
type ProviderConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "openai" or "mock"
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Priority orders the chain; lower values are tried first
	Priority int     `yaml:"priority"`
	RPS      float64 `yaml:"rps"`
	Vision   bool    `yaml:"vision"`
	Tools    bool    `yaml:"tools"`
}

// ChatConfig holds generation loop tuning
type ChatConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	DefaultModel  string `yaml:"default_model"`

	ApprovalTimeout time.Duration `yaml:"-"`
	RunTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ApprovalTimeoutRaw string `yaml:"approval_timeout"`
	RunTimeoutRaw      string `yaml:"run_timeout"`
}

// PushConfig holds webhook notification configuration
type PushConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listener address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "openai", "mock":
		default:
			return fmt.Errorf("providers[%d].kind must be \"openai\" or \"mock\", got %q", i, p.Kind)
		}
	}

	if c.Push.Enabled && c.Push.WebhookURL == "" {
		return fmt.Errorf("push.webhook_url is required when push is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.ApprovalTimeoutRaw != "" {
		cfg.Chat.ApprovalTimeout, err = time.ParseDuration(cfg.Chat.ApprovalTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval_timeout %q: %w", cfg.Chat.ApprovalTimeoutRaw, err)
		}
	}

	if cfg.Chat.RunTimeoutRaw != "" {
		cfg.Chat.RunTimeout, err = time.ParseDuration(cfg.Chat.RunTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing run_timeout %q: %w", cfg.Chat.RunTimeoutRaw, err)
		}
	}

	return nil
}
