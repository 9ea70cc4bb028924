package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"campustasks/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Campus.EmailDomain != "example.edu" {
		t.Fatalf("unexpected domain %q", cfg.Campus.EmailDomain)
	}
	if cfg.Tasks.PriceMinCents != 500 || cfg.Tasks.PriceMaxCents != 50000 {
		t.Fatalf("unexpected price band %d..%d", cfg.Tasks.PriceMinCents, cfg.Tasks.PriceMaxCents)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing domain", func(c *config.Config) { c.Campus.EmailDomain = "" }, "email_domain"},
		{"domain with at sign", func(c *config.Config) { c.Campus.EmailDomain = "@example.edu" }, "must not contain"},
		{"zero price floor", func(c *config.Config) { c.Tasks.PriceMinCents = 0 }, "price_min_cents"},
		{"inverted band", func(c *config.Config) { c.Tasks.PriceMaxCents = c.Tasks.PriceMinCents - 1 }, "price_max_cents"},
		{"zero title limit", func(c *config.Config) { c.Tasks.TitleMaxLen = 0 }, "title_max_len"},
		{"zero ttl", func(c *config.Config) { c.Auth.SessionTTLHours = 0 }, "session_ttl_hours"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = append(c.Webhooks, config.WebhookConfig{Secret: "s"})
		}, "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestAllowedEmail(t *testing.T) {
	cfg := config.Default()
	for email, want := range map[string]bool{
		"alice@example.edu":  true,
		"Alice@EXAMPLE.EDU":  true,
		"alice@gmail.com":    false,
		"alice@sub.evil.edu": false,
		"example.edu":        false,
		"@example.edu":       false,
		"alice@":             false,
	} {
		if got := cfg.AllowedEmail(email); got != want {
			t.Errorf("AllowedEmail(%q) = %v, want %v", email, got, want)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if cfg.Campus.EmailDomain != "example.edu" {
		t.Fatalf("expected default config, got %+v", cfg.Campus)
	}

	custom := strings.Replace(config.GenerateDefault(), "example.edu", "campus.test", 1)
	if err := os.WriteFile(filepath.Join(dir, "campustasks.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional with file: %v", err)
	}
	if cfg.Campus.EmailDomain != "campus.test" {
		t.Fatalf("expected file config, got %q", cfg.Campus.EmailDomain)
	}
}

func TestLoadRequiresFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing-file error, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "campustasks.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load with file: %v", err)
	}
	if cfg.Campus.EmailDomain != "example.edu" {
		t.Fatalf("unexpected domain %q", cfg.Campus.EmailDomain)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anywhere.yml")
	bad := strings.Replace(config.GenerateDefault(), "price_min_cents: 500", "price_min_cents: 0", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.FromFile(path); err == nil || !strings.Contains(err.Error(), "price_min_cents") {
		t.Fatalf("expected validation failure, got %v", err)
	}

	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.FromFile(path); err != nil {
		t.Fatalf("valid file rejected: %v", err)
	}
}
