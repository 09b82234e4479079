// Package config loads runtime configuration for the webpilot server from
// an optional YAML file overlaid with environment variables. Environment
// variables always win so deployments can override a checked-in file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = 8080

	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "gpt-4o"

	// DefaultMaxTurns caps agent turns per session.
	DefaultMaxTurns = 25

	// DefaultImageRetention is how many recent image-bearing turns keep
	// their screenshots in the conversation.
	DefaultImageRetention = 3

	// DefaultStalenessThreshold is how long a session may sit untouched
	// before a status poll triggers a heartbeat turn.
	DefaultStalenessThreshold = 30 * time.Second

	// DefaultLeaseTTL bounds how long one driver holds a session turn lease.
	DefaultLeaseTTL = 2 * time.Minute
)

// Duration parses YAML values like "45s" or "2m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all server settings.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// DBPath is the SQLite database file. Empty means
	// ~/.webpilot/sessions.db.
	DBPath string `yaml:"db_path"`

	// OpenAIAPIKey authenticates against the chat completions API.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// OpenAIBaseURL overrides the API endpoint, e.g. for a proxy.
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Model is the chat model identifier.
	Model string `yaml:"model"`

	// BrowserbaseAPIKey authenticates browser session provisioning.
	BrowserbaseAPIKey string `yaml:"browserbase_api_key"`

	// BrowserbaseProjectID scopes provisioned sessions to a project.
	BrowserbaseProjectID string `yaml:"browserbase_project_id"`

	// MaxTurns is the per-session turn ceiling.
	MaxTurns int `yaml:"max_turns"`

	// ImageRetention is the screenshot retention window, in turns.
	ImageRetention int `yaml:"image_retention"`

	// StalenessThreshold controls heartbeat turns on status polls.
	StalenessThreshold Duration `yaml:"staleness_threshold"`

	// LeaseTTL is the session drive-lease duration.
	LeaseTTL Duration `yaml:"lease_ttl"`

	// ReuseConnection keeps one CDP connection open across actions instead
	// of reconnecting per action.
	ReuseConnection bool `yaml:"reuse_connection"`

	// SensitiveURLPatterns are glob patterns for URLs that always require
	// user confirmation before navigation.
	SensitiveURLPatterns []string `yaml:"sensitive_url_patterns"`
}

// DefaultConfigPath returns ~/.webpilot/config.yaml, or an empty string if
// the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".webpilot", "config.yaml")
}

// Load reads the YAML file at path if it exists, applies environment
// overrides, and fills in defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No file, env and defaults only.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WEBPILOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("WEBPILOT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAIBaseURL = v
	}
	if v := os.Getenv("WEBPILOT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("BROWSERBASE_API_KEY"); v != "" {
		c.BrowserbaseAPIKey = v
	}
	if v := os.Getenv("BROWSERBASE_PROJECT_ID"); v != "" {
		c.BrowserbaseProjectID = v
	}
	if v := os.Getenv("WEBPILOT_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxTurns = n
		}
	}
	if v := os.Getenv("WEBPILOT_IMAGE_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ImageRetention = n
		}
	}
	if v := os.Getenv("WEBPILOT_STALENESS_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StalenessThreshold = Duration(d)
		}
	}
	if v := os.Getenv("WEBPILOT_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LeaseTTL = Duration(d)
		}
	}
	if v := os.Getenv("WEBPILOT_REUSE_CONNECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ReuseConnection = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DBPath = filepath.Join(home, ".webpilot", "sessions.db")
		} else {
			c.DBPath = "sessions.db"
		}
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.ImageRetention == 0 {
		c.ImageRetention = DefaultImageRetention
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = Duration(DefaultStalenessThreshold)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = Duration(DefaultLeaseTTL)
	}
}

// Validate reports missing credentials. Called at startup so misconfigured
// deployments fail fast instead of failing on the first session.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("openai_api_key is required (set OPENAI_API_KEY)")
	}
	if c.BrowserbaseAPIKey == "" {
		return fmt.Errorf("browserbase_api_key is required (set BROWSERBASE_API_KEY)")
	}
	if c.BrowserbaseProjectID == "" {
		return fmt.Errorf("browserbase_project_id is required (set BROWSERBASE_PROJECT_ID)")
	}
	return nil
}
