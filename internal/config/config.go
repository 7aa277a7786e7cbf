package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configurable traceview settings.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	Scope             string `json:"scope"`              // path prefix of the viewer API
	RenderCacheBytes  int    `json:"render_cache_bytes"` // per trace
	ClientIdleTimeout string `json:"client_idle_timeout"`
	GCInterval        string `json:"gc_interval"`
	HTTPS             *bool  `json:"https,omitempty"`
	FileRoot          string `json:"file_root"`
	MissingActions    string `json:"missing_actions"` // "preserve" | "tolerate" | "strict"
	Metrics           *bool  `json:"metrics,omitempty"`
	DefaultFormat     string `json:"default_format"` // "markdown" | "json"
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	https, metrics := false, true
	return Config{
		ListenAddr:        ":9323",
		Scope:             "/trace/",
		RenderCacheBytes:  100 << 20,
		ClientIdleTimeout: "5m",
		GCInterval:        "1m",
		HTTPS:             &https,
		MissingActions:    "preserve",
		Metrics:           &metrics,
		DefaultFormat:     "markdown",
	}
}

// LoadGlobal reads ~/.config/traceview/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "traceview", "config.json")
	return loadFile(path, true)
}

// LoadProject reads .traceviewconfig in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(".traceviewconfig", false)
}

// loadFile reads and parses a JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Load merges the global and project files.
func Load() (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject()
	if err != nil {
		return Config{}, err
	}
	return Merge(global, project), nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, src := range []*Config{global, project} {
		if src != nil {
			result.apply(src)
		}
	}
	return result
}

func (c *Config) apply(src *Config) {
	if src.ListenAddr != "" {
		c.ListenAddr = src.ListenAddr
	}
	if src.Scope != "" {
		c.Scope = src.Scope
	}
	if src.RenderCacheBytes > 0 {
		c.RenderCacheBytes = src.RenderCacheBytes
	}
	if src.ClientIdleTimeout != "" {
		c.ClientIdleTimeout = src.ClientIdleTimeout
	}
	if src.GCInterval != "" {
		c.GCInterval = src.GCInterval
	}
	if src.HTTPS != nil {
		c.HTTPS = src.HTTPS
	}
	if src.FileRoot != "" {
		c.FileRoot = src.FileRoot
	}
	if src.MissingActions != "" {
		c.MissingActions = src.MissingActions
	}
	if src.Metrics != nil {
		c.Metrics = src.Metrics
	}
	if src.DefaultFormat != "" {
		c.DefaultFormat = src.DefaultFormat
	}
}

// IdleTimeout parses ClientIdleTimeout.
func (c Config) IdleTimeout() (time.Duration, error) {
	return parseDuration("client_idle_timeout", c.ClientIdleTimeout)
}

// SweepInterval parses GCInterval.
func (c Config) SweepInterval() (time.Duration, error) {
	return parseDuration("gc_interval", c.GCInterval)
}

// ServeHTTPS reports the https setting.
func (c Config) ServeHTTPS() bool { return c.HTTPS != nil && *c.HTTPS }

// MetricsEnabled reports the metrics setting.
func (c Config) MetricsEnabled() bool { return c.Metrics == nil || *c.Metrics }

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
