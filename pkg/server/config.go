package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the admin server and engine configuration.
type Config struct {
	Host         string        `yaml:"host"`          // Server host address
	Port         int           `yaml:"port"`          // Server port
	DataDir      string        `yaml:"data_dir"`      // Directory for log and oracle databases
	Group        string        `yaml:"group"`         // Transaction group served by this engine
	ArchiveLog   bool          `yaml:"archive_log"`   // Archive truncated log records as gzip segments
	XA           bool          `yaml:"xa"`            // Enable the distributed-transaction policy
	LogLevel     string        `yaml:"log_level"`     // zerolog level (debug, info, warn, error)
	LogJSON      bool          `yaml:"log_json"`      // JSON log output instead of console
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "localhost",
		Port:         8080,
		DataDir:      "./data",
		Group:        "default",
		LogLevel:     "info",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
