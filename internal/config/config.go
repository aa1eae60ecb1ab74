package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Roster   RosterConfig   `toml:"roster"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DatabaseConfig holds ledger storage settings
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RosterConfig holds collaborator roster settings
type RosterConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".timetrack", "timetrack.db"),
		},
		Roster: RosterConfig{
			Path:  filepath.Join(home, ".timetrack", "roster.yaml"),
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Roster.Path = ExpandPath(cfg.Roster.Path)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "timetrack", "config.toml")
}
