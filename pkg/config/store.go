package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the default directory for mere configuration
	DefaultConfigDir = ".mere"

	// ConfigFile is the filename of the configuration file
	ConfigFile = "config.yaml"
)

// Store handles reading and writing the configuration file
type Store struct {
	configDir string
}

// NewStore creates a store rooted at ~/.mere
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	return &Store{configDir: filepath.Join(home, DefaultConfigDir)}, nil
}

// NewStoreWithPath creates a store with a custom config directory
func NewStoreWithPath(configDir string) *Store {
	return &Store{configDir: configDir}
}

// ConfigPath returns the path of the configuration file
func (s *Store) ConfigPath() string {
	return filepath.Join(s.configDir, ConfigFile)
}

// Load loads the configuration merged over defaults. A missing file
// yields the defaults.
func (s *Store) Load() (*Config, error) {
	cfg, err := s.read(s.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return withDefaults(cfg)
}

// LoadFrom loads an explicitly named configuration file, which must exist
func (s *Store) LoadFrom(path string) (*Config, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}

	cfg, err := s.read(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", resolved)
		}
		return nil, err
	}
	return withDefaults(cfg)
}

// Save writes cfg to the configuration file
func (s *Store) Save(cfg *Config) error {
	if err := os.MkdirAll(s.configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(s.ConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (s *Store) read(path string) (*Config, error) {
	// #nosec G304 -- path is the config file chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func withDefaults(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	merged := DefaultConfig()
	merged.Merge(cfg)
	return merged, nil
}
