package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadEnv
const EnvPrefix = "MERE_"

// envConfig maps MERE_* variables. Watch is a string so that an unset
// variable can be told apart from false.
type envConfig struct {
	Destination  string        `env:"DESTINATION"`
	Paths        []string      `env:"PATHS" envSeparator:":"`
	Watch        string        `env:"WATCH"`
	Watcher      string        `env:"WATCHER"`
	PollInterval time.Duration `env:"POLL_INTERVAL"`
	Exclude      []string      `env:"EXCLUDE"`
	KnownHosts   string        `env:"KNOWN_HOSTS"`
	LogLevel     string        `env:"LOG_LEVEL"`
}

// LoadEnv reads configuration from MERE_* environment variables. Unset
// variables leave the corresponding field empty so the result can be
// merged over a config file.
func LoadEnv() (*Config, error) {
	var e envConfig
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}

	cfg := &Config{
		Destination:  e.Destination,
		Paths:        e.Paths,
		Watcher:      e.Watcher,
		PollInterval: e.PollInterval,
		Exclude:      e.Exclude,
		KnownHosts:   e.KnownHosts,
		Log:          LogConfig{Level: e.LogLevel},
	}
	if e.Watch != "" {
		watch, err := strconv.ParseBool(e.Watch)
		if err != nil {
			return nil, fmt.Errorf("invalid %sWATCH %q: %w", EnvPrefix, e.Watch, err)
		}
		cfg.Watch = &watch
	}
	return cfg, cfg.Validate()
}
