package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for an explicitly named missing file")
	}

	// Without an explicit path a missing file falls back to defaults.
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}

	if cfg.Cache.TTL.SavedProperties != 30*time.Second {
		t.Errorf("Expected saved_properties TTL 30s, got %v", cfg.Cache.TTL.SavedProperties)
	}
	if cfg.Cache.TTL.PropertyDetails != 2*time.Minute {
		t.Errorf("Expected property_details TTL 2m, got %v", cfg.Cache.TTL.PropertyDetails)
	}
	if cfg.Refresh.Channel != "marketplace:mutations" {
		t.Errorf("Unexpected default refresh channel: %s", cfg.Refresh.Channel)
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Errorf("Unexpected default redis address: %s", cfg.Redis.Address)
	}
	if cfg.Observability.Logging.Format != "json" {
		t.Errorf("Expected default json log format, got %s", cfg.Observability.Logging.Format)
	}

	t.Log("✓ Defaults produce a valid configuration")
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
cache:
  ttl:
    saved_properties: 10s
redis:
  enabled: false
refresh:
  poll_interval: 2m
notifications:
  enabled: true
  sns_topic_arn: arn:aws:sns:us-east-1:000000000000:marketplace-events
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cache.TTL.SavedProperties != 10*time.Second {
		t.Errorf("Expected file override 10s, got %v", cfg.Cache.TTL.SavedProperties)
	}
	if cfg.Redis.Enabled {
		t.Error("Expected redis disabled by file")
	}
	if cfg.Refresh.PollInterval != 2*time.Minute {
		t.Errorf("Expected poll interval 2m, got %v", cfg.Refresh.PollInterval)
	}
	// Defaults still apply for unset keys.
	if cfg.Cache.TTL.PropertyDetails != 2*time.Minute {
		t.Errorf("Expected default property_details TTL, got %v", cfg.Cache.TTL.PropertyDetails)
	}

	t.Log("✓ File values override defaults without clobbering them")
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := MustLoad("")
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.Cache.TTL.Search = 0 }},
		{"negative poll interval", func(c *Config) { c.Refresh.PollInterval = -time.Second }},
		{"empty refresh channel", func(c *Config) { c.Refresh.Channel = "" }},
		{"redis enabled without address", func(c *Config) { c.Redis.Address = "" }},
		{"missing aws region", func(c *Config) { c.AWS.Region = "" }},
		{"missing table name", func(c *Config) { c.AWS.PropertiesTable = "" }},
		{"notifications without topic", func(c *Config) {
			c.Notifications.Enabled = true
			c.Notifications.SNSTopicARN = ""
		}},
		{"bad log level", func(c *Config) { c.Observability.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Observability.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}

	t.Log("✓ Validation rejects each invalid configuration")
}
