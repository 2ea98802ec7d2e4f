// Package config loads the server settings consumed by the connector and the
// servlet container.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConnectorNio = "nio"
	ConnectorBio = "bio"
)

// Config holds already-validated values after Load/Validate.
type Config struct {
	Port      int    `yaml:"port"`
	Connector string `yaml:"connector"`

	// Pollers of 0 selects min(2, NumCPU).
	Pollers          int           `yaml:"pollers"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxRequestSize   int           `yaml:"max_request_size"`

	SessionTimeout       time.Duration `yaml:"session_timeout"`
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval"`

	DocRoot     string `yaml:"doc_root"`
	GzipMinSize int    `yaml:"gzip_min_size"`
	LogLevel    string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Port:                 8080,
		Connector:            ConnectorNio,
		Workers:              2 * runtime.NumCPU(),
		QueueSize:            1024,
		KeepAliveTimeout:     20 * time.Second,
		ReaperInterval:       time.Second,
		WriteTimeout:         10 * time.Second,
		MaxRequestSize:       1 << 20,
		SessionTimeout:       30 * time.Minute,
		SessionSweepInterval: time.Minute,
		GzipMinSize:          1024,
		LogLevel:             "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	c.Connector = strings.ToLower(c.Connector)
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Connector != ConnectorNio && c.Connector != ConnectorBio:
		return fmt.Errorf("connector %q must be %q or %q", c.Connector, ConnectorNio, ConnectorBio)
	case c.Pollers < 0:
		return errors.New("pollers must not be negative")
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.QueueSize <= 0:
		return errors.New("queue_size must be positive")
	case c.KeepAliveTimeout <= 0:
		return errors.New("keep_alive_timeout must be positive")
	case c.ReaperInterval <= 0:
		return errors.New("reaper_interval must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("write_timeout must be positive")
	case c.MaxRequestSize <= 0:
		return errors.New("max_request_size must be positive")
	case c.SessionTimeout <= 0 || c.SessionSweepInterval <= 0:
		return errors.New("session_timeout and session_sweep_interval must be positive")
	}
	return nil
}

// PollerCount bounds the configured poller count by available parallelism.
func (c *Config) PollerCount() int {
	n := c.Pollers
	if n == 0 {
		n = 2
	}
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}
