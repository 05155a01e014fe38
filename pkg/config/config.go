package config

import (
	"fmt"
	"strings"
	"time"
)

// Watcher backends accepted in configuration
var watcherBackends = []string{"fsnotify", "notify", "poll"}

// Log levels accepted in configuration
var logLevels = []string{"debug", "info", "warn", "error"}

// Config represents the mere configuration file
type Config struct {
	// Destination is host or host:port of the remote machine
	Destination string `yaml:"destination,omitempty"`

	// Paths are the local roots to mirror
	Paths []string `yaml:"paths,omitempty"`

	// Watch keeps mirroring after the initial pass
	Watch *bool `yaml:"watch,omitempty"`

	Watcher      string        `yaml:"watcher,omitempty"` // "fsnotify", "notify", "poll"
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`

	// Exclude holds gitignore-style patterns that are never mirrored
	Exclude      []string `yaml:"exclude,omitempty"`
	UseGitignore *bool    `yaml:"useGitignore,omitempty"`

	// KnownHosts is the known_hosts file used to verify the remote host key
	KnownHosts string `yaml:"knownHosts,omitempty"`

	Log LogConfig `yaml:"log,omitempty"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	watch := true
	useGitignore := false
	return &Config{
		Watch:        &watch,
		Watcher:      "fsnotify",
		PollInterval: time.Second,
		Exclude:      []string{},
		UseGitignore: &useGitignore,
		KnownHosts:   "~/.ssh/known_hosts",
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Merge merges this config with another, with the other taking precedence
func (c *Config) Merge(other *Config) {
	if other.Destination != "" {
		c.Destination = other.Destination
	}
	if len(other.Paths) > 0 {
		c.Paths = other.Paths
	}
	// Watch is a *bool, only merge if explicitly set (non-nil)
	if other.Watch != nil {
		c.Watch = other.Watch
	}
	if other.Watcher != "" {
		c.Watcher = other.Watcher
	}
	if other.PollInterval != 0 {
		c.PollInterval = other.PollInterval
	}
	if len(other.Exclude) > 0 {
		c.Exclude = other.Exclude
	}
	if other.UseGitignore != nil {
		c.UseGitignore = other.UseGitignore
	}
	if other.KnownHosts != "" {
		c.KnownHosts = other.KnownHosts
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// Validate checks values that do not depend on the local machine
func (c *Config) Validate() error {
	if c.Watcher != "" && !contains(watcherBackends, c.Watcher) {
		return fmt.Errorf("invalid watcher %q: must be one of %s", c.Watcher, strings.Join(watcherBackends, ", "))
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative, got %s", c.PollInterval)
	}
	if c.Log.Level != "" && !contains(logLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level %q: must be one of %s", c.Log.Level, strings.Join(logLevels, ", "))
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
