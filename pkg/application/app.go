package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/mndot/mere/pkg/config"
	"github.com/mndot/mere/pkg/filter"
	"github.com/mndot/mere/pkg/mirror"
	"github.com/mndot/mere/pkg/remote"
	"github.com/mndot/mere/pkg/watch"
)

// App holds the resolved configuration and the components built from it
type App struct {
	Config *config.Resolved

	// Allow is the path filter with operator exclude rules applied
	Allow filter.Predicate

	local     afero.Fs
	connector mirror.Connector
}

// NewApp creates and wires up the application from a resolved config
func NewApp(cfg *config.Resolved) (*App, error) {
	hostKeys, err := remote.HostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}

	session := remote.NewSession(remote.SessionConfig{
		Destination:     cfg.Destination,
		User:            cfg.User,
		Strategies:      remote.DefaultStrategies(cfg.IdentityFile),
		HostKeyCallback: hostKeys,
	})

	var excluder *filter.Excluder
	if len(cfg.Exclude) > 0 || cfg.UseGitignore {
		excluder = filter.NewExcluder(filter.ExcludeConfig{
			Roots:        cfg.Paths,
			Patterns:     cfg.Exclude,
			UseGitignore: cfg.UseGitignore,
		})
	}

	return &App{
		Config: cfg,
		Allow:  filter.Chain(excluder),
		local:  afero.NewOsFs(),
		connector: mirror.ConnectorFunc(func(ctx context.Context) (remote.Client, error) {
			conn, err := session.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
	}, nil
}

// NewMirror builds the orchestrator, including the watcher in watch mode
func (a *App) NewMirror() (*mirror.Mirror, error) {
	var watcher watch.Watcher
	if a.Config.Watch {
		w, err := watch.New(watch.Options{
			Backend:      a.Config.Watcher,
			Allow:        filter.WithRoots(a.Config.Paths, a.Allow),
			PollInterval: a.Config.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		watcher = w
	}

	m, err := mirror.New(mirror.Options{
		Roots:     a.Config.Paths,
		Watch:     a.Config.Watch,
		Watcher:   watcher,
		Connector: a.connector,
		Local:     a.local,
		Allow:     a.Allow,
	})
	if err != nil {
		if watcher != nil {
			_ = watcher.Stop()
		}
		return nil, err
	}
	return m, nil
}

// Run mirrors until ctx is cancelled, or once without watch mode
func (a *App) Run(ctx context.Context) error {
	m, err := a.NewMirror()
	if err != nil {
		return err
	}

	slog.Info("mirroring",
		"host", a.Config.Destination, "user", a.Config.User,
		"paths", len(a.Config.Paths), "watch", a.Config.Watch)
	return m.Run(ctx)
}

// Check opens one session and reports the authentication strategy used
func (a *App) Check(ctx context.Context) (string, error) {
	c, err := a.connector.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = c.Close() }()

	if conn, ok := c.(*remote.Conn); ok {
		return conn.Method, nil
	}
	return "", nil
}

// Diff computes, without applying, the operations that would converge
// the remote copy of dir
func (a *App) Diff(ctx context.Context, dir string) (*remote.Plan, error) {
	c, err := a.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	return remote.NewSynchronizer(a.local, a.Allow).Plan(c, dir)
}
