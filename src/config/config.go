package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	SMS      SMSConfig      `yaml:"sms"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServerConfig represents HTTP server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	Mode   string `yaml:"mode"` // development, production
}

// DatabaseConfig represents the sqlite database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SMTPConfig represents the email collaborator settings
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	TLS      bool   `yaml:"tls"`
}

// SMSConfig represents the SMS collaborator settings
type SMSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KafkaConfig represents the optional event-ingest settings. The consumer
// is disabled when no brokers are configured.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// DispatchConfig represents dispatcher tuning
type DispatchConfig struct {
	// Timeout bounds every collaborator call, e.g. "10s"
	Timeout string `yaml:"timeout"`
	// PreferenceCacheTTL controls the preference lookup cache, e.g. "30s"
	PreferenceCacheTTL string `yaml:"preference_cache_ttl"`
}

// Timeout returns the parsed dispatch timeout, defaulting to 10s
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.Dispatch.Timeout, 10*time.Second)
}

// PreferenceCacheTTL returns the parsed preference cache TTL, defaulting
// to 30s
func (c *Config) PreferenceCacheTTL() time.Duration {
	return parseDuration(c.Dispatch.PreferenceCacheTTL, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadConfig loads configuration from notifyd.yml, falling back to
// defaults when no config file is found. An explicit path overrides the
// search.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Listen: ":8085",
			Mode:   "production",
		},
		Database: DatabaseConfig{
			Path: "notifyd.db",
		},
		Kafka: KafkaConfig{
			Topic:   "notification-events",
			GroupID: "notifyd",
		},
	}

	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// findConfigFile searches for notifyd.yml in common locations
func findConfigFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	searchPaths := []string{
		filepath.Join(cwd, "notifyd.yml"),
		filepath.Join(cwd, "../notifyd.yml"),
		"/etc/notifyd/notifyd.yml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
