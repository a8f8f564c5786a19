package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrConfigMissing is returned by Load when the config file does not exist.
// Callers are expected to log it and continue with defaults.
var ErrConfigMissing = errors.New("config file not found")

// ServiceConfig describes the long-running server process to launch
type ServiceConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	WorkingDir  string            `json:"workdir"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Environment map[string]string `json:"env"`
}

// ReadyConfig controls the readiness probe performed after launch
type ReadyConfig struct {
	Probe      string `json:"probe"` // "tcp", "http" or "grpc"
	Path       string `json:"path"`  // used by the http probe
	TimeoutS   int    `json:"timeout_s"`
	IntervalMS int    `json:"interval_ms"`
}

// ShutdownConfig controls graceful termination
type ShutdownConfig struct {
	GraceS int `json:"grace_s"`
}

// Config is the launcher configuration
type Config struct {
	Service  ServiceConfig  `json:"service"`
	Registry string         `json:"registry"`
	EnvFile  string         `json:"env_file"`
	Ready    ReadyConfig    `json:"ready"`
	Shutdown ShutdownConfig `json:"shutdown"`
	Detach   bool           `json:"detach"`
}

// Default returns the configuration used when no config file is present.
// The defaults match the original deployment: a server on 0.0.0.0:8000 with
// credentials in apis.json and a .env file next to it.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			Environment: make(map[string]string),
		},
		Registry: "apis.json",
		EnvFile:  ".env",
		Ready: ReadyConfig{
			Probe:      "tcp",
			Path:       "/health",
			TimeoutS:   30,
			IntervalMS: 200,
		},
		Shutdown: ShutdownConfig{GraceS: 1},
	}
}

// Load reads the configuration from the specified file. A missing file yields
// the defaults together with ErrConfigMissing; malformed JSON is an error.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), ErrConfigMissing
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Resolve relative paths against the config file's directory
	base := filepath.Dir(configPath)
	if config.Registry != "" && !filepath.IsAbs(config.Registry) {
		config.Registry = filepath.Join(base, config.Registry)
	}
	if config.EnvFile != "" && !filepath.IsAbs(config.EnvFile) {
		config.EnvFile = filepath.Join(base, config.EnvFile)
	}
	if config.Service.WorkingDir != "" && !filepath.IsAbs(config.Service.WorkingDir) {
		config.Service.WorkingDir = filepath.Join(base, config.Service.WorkingDir)
	}

	if config.Service.Environment == nil {
		config.Service.Environment = make(map[string]string)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for values that cannot work at runtime
func (c *Config) Validate() error {
	if c.Service.Port < 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service port %d out of range", c.Service.Port)
	}
	switch c.Ready.Probe {
	case "", "tcp", "http", "grpc":
	default:
		return fmt.Errorf("unknown readiness probe %q", c.Ready.Probe)
	}
	if c.Ready.TimeoutS < 0 {
		return fmt.Errorf("readiness timeout must not be negative")
	}
	if c.Shutdown.GraceS < 0 {
		return fmt.Errorf("shutdown grace period must not be negative")
	}
	return nil
}

// ReadyTimeout returns the readiness deadline as a duration
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Ready.TimeoutS) * time.Second
}

// ReadyInterval returns the readiness poll interval, defaulting to 200ms
func (c *Config) ReadyInterval() time.Duration {
	if c.Ready.IntervalMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.Ready.IntervalMS) * time.Millisecond
}

// GracePeriod returns the shutdown grace period as a duration
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Shutdown.GraceS) * time.Second
}

// ProbeHost returns the address readiness probes should dial. A service bound
// to the wildcard address is probed over loopback.
func (c *Config) ProbeHost() string {
	if c.Service.Host == "" || c.Service.Host == "0.0.0.0" || c.Service.Host == "::" {
		return "127.0.0.1"
	}
	return c.Service.Host
}
