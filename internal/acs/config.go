package acs

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ACS configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	ConnReq  ConnReqConfig  `yaml:"connection_request"`
	Queue    QueueConfig    `yaml:"queue"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Address string    `yaml:"address"`
	Timeout string    `yaml:"timeout"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig contains the shared CPE credential. Every CPE authenticates
// to the ACS with the same HTTP Basic secret.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConnReqConfig contains the credentials the ACS asserts on each CPE's
// connection-request endpoint. An empty password means a random one is
// minted per device.
type ConnReqConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// QueueConfig contains transfer queue settings
type QueueConfig struct {
	Limit           int    `yaml:"limit"`
	TransferTimeout string `yaml:"transfer_timeout"`
}

// DatabaseConfig contains device inventory store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.setDefaults(); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":7547",
			Timeout: "30s",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "",
				KeyFile:  "",
			},
		},
		Auth: AuthConfig{
			Username: "acs",
			Password: "change-this-shared-cpe-secret",
		},
		ConnReq: ConnReqConfig{
			Username: "acsd",
			Password: "",
		},
		Queue: QueueConfig{
			Limit:           32,
			TransferTimeout: "30s",
		},
		Database: DatabaseConfig{
			Path: "acsd.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() error {
	if c.Server.Address == "" {
		c.Server.Address = ":7547"
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = "30s"
	}

	if c.ConnReq.Username == "" {
		c.ConnReq.Username = "acsd"
	}

	if c.Queue.Limit == 0 {
		c.Queue.Limit = 32
	}
	if c.Queue.TransferTimeout == "" {
		c.Queue.TransferTimeout = "30s"
	}

	if c.Database.Path == "" {
		c.Database.Path = "acsd.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return nil
}

// validate checks if the configuration values are valid
func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.Server.Timeout); err != nil {
		return fmt.Errorf("invalid server timeout format: %w", err)
	}
	if _, err := time.ParseDuration(c.Queue.TransferTimeout); err != nil {
		return fmt.Errorf("invalid transfer timeout format: %w", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.Auth.Username == "" {
		return fmt.Errorf("auth username cannot be empty")
	}
	if c.Auth.Password == "" {
		return fmt.Errorf("auth password cannot be empty")
	}

	if c.Queue.Limit < 0 {
		return fmt.Errorf("queue limit cannot be negative")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	return nil
}

// BasicAuth returns the verbatim Authorization header value every CPE must
// present: "Basic " followed by the base64 of username:password.
func (c *Config) BasicAuth() string {
	credentials := base64.StdEncoding.EncodeToString([]byte(c.Auth.Username + ":" + c.Auth.Password))
	return "Basic " + credentials
}

// GetServerTimeout returns the server timeout as a time.Duration
func (c *Config) GetServerTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.Timeout)
	return duration
}

// GetTransferTimeout returns the transfer timeout as a time.Duration
func (c *Config) GetTransferTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Queue.TransferTimeout)
	return duration
}
