package config

import (
	"fmt"
	"time"
)

// Overrides carries values given on the command line. Zero values mean
// "not given"; booleans are pointers so an explicit false is kept.
type Overrides struct {
	Destination  string
	Paths        []string
	Watch        *bool
	Watcher      string
	PollInterval time.Duration
	Exclude      []string
	UseGitignore *bool
	KnownHosts   string
	LogLevel     string

	// User replaces the local user lookup
	User string
}

// Resolved is the final configuration handed to the application
type Resolved struct {
	// Destination is a dialable host:port
	Destination string

	// Paths are canonical, existing roots (empty when none were given)
	Paths []string

	Watch        bool
	Watcher      string
	PollInterval time.Duration
	Exclude      []string
	UseGitignore bool
	KnownHosts   string
	LogLevel     string

	User         string
	IdentityFile string
}

// Resolve merges cfg and CLI overrides with the following priority:
// CLI > config file > defaults. cfg is expected to carry defaults already
// (see Store.Load).
func Resolve(cfg *Config, o Overrides) (*Resolved, error) {
	merged := DefaultConfig()
	merged.Merge(cfg)
	merged.Merge(&Config{
		Destination:  o.Destination,
		Paths:        o.Paths,
		Watch:        o.Watch,
		Watcher:      o.Watcher,
		PollInterval: o.PollInterval,
		Exclude:      o.Exclude,
		UseGitignore: o.UseGitignore,
		KnownHosts:   o.KnownHosts,
		Log:          LogConfig{Level: o.LogLevel},
	})
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	dest, err := NormalizeDestination(merged.Destination)
	if err != nil {
		return nil, err
	}

	var paths []string
	if len(merged.Paths) > 0 {
		if paths, err = CanonicalizePaths(merged.Paths); err != nil {
			return nil, err
		}
	}

	knownHosts, err := ResolvePath(merged.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("invalid knownHosts: %w", err)
	}

	username := o.User
	if username == "" {
		if username, err = CurrentUser(); err != nil {
			return nil, err
		}
	}

	return &Resolved{
		Destination:  dest,
		Paths:        paths,
		Watch:        *merged.Watch,
		Watcher:      merged.Watcher,
		PollInterval: merged.PollInterval,
		Exclude:      merged.Exclude,
		UseGitignore: *merged.UseGitignore,
		KnownHosts:   knownHosts,
		LogLevel:     merged.Log.Level,
		User:         username,
		IdentityFile: DefaultIdentityFile(username),
	}, nil
}
