// Package config loads Warden's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Config holds all Warden configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Entity storage backend
	Storage StorageConfig `json:"storage"`

	// MQTT broker for escalation notifications
	MQTT MQTTConfig `json:"mqtt"`

	// Expiration sweeper schedule
	Sweeper SweeperConfig `json:"sweeper"`

	// Policy override files
	Policy PolicyConfig `json:"policy,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

type SweeperConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a standard five-field cron expression.
	Schedule string `json:"schedule"`
}

type PolicyConfig struct {
	// Path to a YAML level-override file.
	Path string `json:"path,omitempty"`
	// FilterPacks are TOML filter pack files applied in order.
	FilterPacks []string `json:"filterPacks,omitempty"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8090,
			DataDir:  defaultDataDir(),
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			TopicPrefix: "warden",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".warden")
	}
	return filepath.Join(home, ".warden")
}

// Load reads configuration from a JSON file, filling defaults for missing
// sections. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}

	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Server.LogLevel)
	}

	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q (use sqlite or memory)", c.Storage.Backend)
	}

	if c.Sweeper.Enabled {
		if c.Sweeper.Schedule == "" {
			return fmt.Errorf("config: sweeper enabled but no schedule set")
		}
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("config: invalid sweeper schedule: %w", err)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("config: mqtt enabled but no host set")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("config: invalid mqtt port %d", c.MQTT.Port)
		}
	}

	return nil
}

// DatabasePath resolves the SQLite file location, defaulting to the data
// directory.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.Server.DataDir, "warden.db")
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
