package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// An explicit path that does not exist reports the error but still
	// hands back usable defaults.
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil {
		t.Error("LoadConfig() with an explicit missing path should report it")
	}

	if cfg.Server.Listen != ":8085" {
		t.Errorf("Listen = %q, want :8085", cfg.Server.Listen)
	}
	if cfg.Database.Path != "notifyd.db" {
		t.Errorf("Database.Path = %q, want notifyd.db", cfg.Database.Path)
	}
	if cfg.Kafka.Topic != "notification-events" {
		t.Errorf("Kafka.Topic = %q, want notification-events", cfg.Kafka.Topic)
	}
	if cfg.Timeout() != 10*time.Second {
		t.Errorf("Timeout() = %v, want 10s", cfg.Timeout())
	}
	if cfg.PreferenceCacheTTL() != 30*time.Second {
		t.Errorf("PreferenceCacheTTL() = %v, want 30s", cfg.PreferenceCacheTTL())
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.yml")
	content := `
server:
  listen: ":9000"
  mode: development
database:
  path: /var/lib/notifyd/notify.db
smtp:
  host: mail.example.com
  port: 587
  from: noreply@example.com
  tls: true
kafka:
  brokers:
    - kafka1:9092
    - kafka2:9092
  topic: cms-events
dispatch:
  timeout: 5s
  preference_cache_ttl: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Server.Listen)
	}
	if cfg.Server.Mode != "development" {
		t.Errorf("Mode = %q, want development", cfg.Server.Mode)
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 587 || !cfg.SMTP.TLS {
		t.Errorf("SMTP = %+v, not loaded correctly", cfg.SMTP)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka.Brokers = %v, want 2 brokers", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic != "cms-events" {
		t.Errorf("Kafka.Topic = %q, want cms-events", cfg.Kafka.Topic)
	}
	if cfg.Timeout() != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s", cfg.Timeout())
	}
	if cfg.PreferenceCacheTTL() != 2*time.Minute {
		t.Errorf("PreferenceCacheTTL() = %v, want 2m", cfg.PreferenceCacheTTL())
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.yml")
	if err := os.WriteFile(path, []byte("server:\n  listen: \":7777\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Listen != ":7777" {
		t.Errorf("Listen = %q, want :7777", cfg.Server.Listen)
	}
	if cfg.Database.Path != "notifyd.db" {
		t.Errorf("Database.Path = %q, unset sections must keep defaults", cfg.Database.Path)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.yml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() should fail on malformed YAML")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		fallback time.Duration
		want     time.Duration
	}{
		{"", time.Second, time.Second},
		{"15s", time.Second, 15 * time.Second},
		{"garbage", time.Second, time.Second},
		{"-5s", time.Second, time.Second},
		{"0s", time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, tt.fallback); got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
