package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models campustasks.yml.
type Config struct {
	Campus struct {
		Name        string `yaml:"name"`
		EmailDomain string `yaml:"email_domain"`
	} `yaml:"campus"`
	Tasks struct {
		PriceMinCents  int `yaml:"price_min_cents"`
		PriceMaxCents  int `yaml:"price_max_cents"`
		TitleMaxLen    int `yaml:"title_max_len"`
		DescMaxLen     int `yaml:"description_max_len"`
		LocationMaxLen int `yaml:"location_max_len"`
	} `yaml:"tasks"`
	Chat struct {
		MessageMaxLen int `yaml:"message_max_len"`
	} `yaml:"chat"`
	Ratings struct {
		CommentMaxLen int `yaml:"comment_max_len"`
	} `yaml:"ratings"`
	Profiles struct {
		DisplayNameMaxLen int `yaml:"display_name_max_len"`
	} `yaml:"profiles"`
	Auth struct {
		SessionTTLHours int `yaml:"session_ttl_hours"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ct init or copy the default", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Campus.EmailDomain) == "" {
		return fmt.Errorf("config.campus.email_domain is required")
	}
	if strings.Contains(c.Campus.EmailDomain, "@") {
		return fmt.Errorf("config.campus.email_domain must not contain '@'")
	}
	if c.Tasks.PriceMinCents <= 0 {
		return fmt.Errorf("config.tasks.price_min_cents must be positive")
	}
	if c.Tasks.PriceMaxCents < c.Tasks.PriceMinCents {
		return fmt.Errorf("config.tasks.price_max_cents must be >= price_min_cents")
	}
	for name, v := range map[string]int{
		"tasks.title_max_len":           c.Tasks.TitleMaxLen,
		"tasks.description_max_len":     c.Tasks.DescMaxLen,
		"tasks.location_max_len":        c.Tasks.LocationMaxLen,
		"chat.message_max_len":          c.Chat.MessageMaxLen,
		"ratings.comment_max_len":       c.Ratings.CommentMaxLen,
		"profiles.display_name_max_len": c.Profiles.DisplayNameMaxLen,
	} {
		if v <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if c.Auth.SessionTTLHours <= 0 {
		return fmt.Errorf("config.auth.session_ttl_hours must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// AllowedEmail reports whether an address belongs to the campus domain.
// The check is re-done server-side because login input is untrusted.
func (c *Config) AllowedEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.EqualFold(email[at+1:], c.Campus.EmailDomain)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "campustasks.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `campus:
  name: Example University
  email_domain: example.edu

tasks:
  price_min_cents: 500
  price_max_cents: 50000
  title_max_len: 80
  description_max_len: 2000
  location_max_len: 120

chat:
  message_max_len: 1000

ratings:
  comment_max_len: 500

profiles:
  display_name_max_len: 50

auth:
  session_ttl_hours: 720

webhooks: []
`
