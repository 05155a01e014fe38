// Package mirror drives one-way mirroring of local paths to a remote host.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/mndot/mere/pkg/filter"
	"github.com/mndot/mere/pkg/remote"
	"github.com/mndot/mere/pkg/watch"
)

// ReconnectDelay is the fixed pause after a failed session before retrying
const ReconnectDelay = 10 * time.Second

// Connector opens an authenticated remote session
type Connector interface {
	Connect(ctx context.Context) (remote.Client, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context) (remote.Client, error)

// Connect calls f(ctx)
func (f ConnectorFunc) Connect(ctx context.Context) (remote.Client, error) {
	return f(ctx)
}

// Options configures a Mirror
type Options struct {
	// Roots are absolute, canonical paths to mirror
	Roots []string

	// Watch keeps mirroring changes after the initial pass
	Watch bool

	// Watcher is required when Watch is set
	Watcher watch.Watcher

	// Connector opens the remote session
	Connector Connector

	// Local is the local filesystem (OS filesystem when nil)
	Local afero.Fs

	// Allow filters paths (default filter.IsMirrorable). Roots themselves
	// are always accepted.
	Allow filter.Predicate
}

// Mirror is the control loop. It is single threaded: watching, applying
// and reconnecting happen strictly one after another.
type Mirror struct {
	roots     []string
	watchMode bool
	watcher   watch.Watcher
	connector Connector
	local     afero.Fs
	allow     filter.Predicate
	sync      *remote.Synchronizer
	pending   *watch.PendingSet

	// watched holds every subscribed path: directories and file roots
	watched map[string]bool

	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Mirror
func New(opts Options) (*Mirror, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("at least one path is required")
	}
	for _, r := range opts.Roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("path must be absolute: %s", r)
		}
	}
	if opts.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if opts.Watch && opts.Watcher == nil {
		return nil, errors.New("watcher is required in watch mode")
	}
	if opts.Local == nil {
		opts.Local = afero.NewOsFs()
	}
	if opts.Allow == nil {
		opts.Allow = filter.IsMirrorable
	}

	return &Mirror{
		roots:     opts.Roots,
		watchMode: opts.Watch,
		watcher:   opts.Watcher,
		connector: opts.Connector,
		local:     opts.Local,
		allow:     filter.WithRoots(opts.Roots, opts.Allow),
		sync:      remote.NewSynchronizer(opts.Local, opts.Allow),
		pending:   watch.NewPendingSet(),
		watched:   make(map[string]bool),
		delay:     ReconnectDelay,
		sleep:     sleepContext,
	}, nil
}

// Pending exposes the pending set
func (m *Mirror) Pending() *watch.PendingSet {
	return m.pending
}

// Run performs a full convergence pass over every root and, in watch
// mode, then mirrors changes until ctx is cancelled. Session failures are
// retried after ReconnectDelay; watcher failures are fatal.
func (m *Mirror) Run(ctx context.Context) error {
	dirs, files, err := m.walk(m.roots)
	if err != nil {
		return err
	}

	if m.watchMode {
		defer func() {
			if err := m.watcher.Stop(); err != nil {
				slog.Warn("failed to stop watcher", "err", err)
			}
		}()
		for _, p := range append(dirs, files...) {
			m.watched[p] = true
		}
		if err := m.register(); err != nil {
			return err
		}
	}

	for {
		err := m.fullPass(ctx, dirs, files)
		if err == nil {
			break
		}
		slog.Error("full pass failed", "err", err)
		if err := m.sleep(ctx, m.delay); err != nil {
			return nil
		}
	}

	if !m.watchMode {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if m.pending.IsEmpty() {
			err = m.watcher.WaitForChanges(ctx, m.pending)
		} else {
			err = m.watcher.Drain(m.pending)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watching for changes: %w", err)
		}

		if err := m.applyPending(ctx); err != nil {
			slog.Error("mirror session failed", "pending", m.pending.Len(), "err", err)
			if err := m.sleep(ctx, m.delay); err != nil {
				return nil
			}
		}
	}
}

// walk expands roots into the directories to synchronize and the file
// roots to transfer. Directories rejected by the filter are not entered.
func (m *Mirror) walk(roots []string) ([]string, []string, error) {
	var dirs, files []string
	for _, root := range roots {
		info, err := m.local.Stat(root)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to access %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		err = afero.Walk(m.local, root, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				if p == root {
					return err
				}
				slog.Warn("skipping unreadable path", "path", p, "err", err)
				return nil
			}
			if !info.IsDir() {
				return nil
			}
			if p != root && !m.allow(p) {
				return filepath.SkipDir
			}
			dirs = append(dirs, p)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return dirs, files, nil
}

func (m *Mirror) register() error {
	paths := make([]string, 0, len(m.watched))
	for p := range m.watched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if err := m.watcher.Register(paths); err != nil {
		return fmt.Errorf("failed to register watches: %w", err)
	}
	slog.Debug("watching", "paths", len(paths))
	return nil
}

// fullPass converges every directory and file root over one session
func (m *Mirror) fullPass(ctx context.Context, dirs, files []string) error {
	start := time.Now()
	conn, err := m.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn(conn)

	total := remote.Result{}
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return nil
		}
		_, result, err := m.sync.Sync(conn, dir)
		if result != nil {
			total.Copied += result.Copied
			total.Removed += result.Removed
			total.Failed += result.Failed
		}
		if err != nil {
			if remote.IsConnectionLost(err) {
				return err
			}
			slog.Error("directory sync failed", "path", dir, "err", err)
		}
	}

	for _, p := range files {
		parent := remote.RemotePath(filepath.Dir(p))
		if err := conn.MkdirAll(parent); err != nil {
			if remote.IsConnectionLost(err) {
				return err
			}
			slog.Error("failed to create remote directory", "path", parent, "err", err)
			continue
		}
		if err := m.applyPath(conn, p); err != nil {
			if remote.IsConnectionLost(err) {
				return err
			}
			total.Failed++
			slog.Error("mirror failed", "path", p, "err", err)
			continue
		}
		total.Copied++
	}

	slog.Info("full pass complete",
		"copied", total.Copied, "removed", total.Removed, "failed", total.Failed,
		"elapsed", time.Since(start))
	return nil
}

// applyPending mirrors every pending path over one session. Paths are
// dropped from the set once handled, successfully or not; a lost
// connection leaves the remaining paths pending.
func (m *Mirror) applyPending(ctx context.Context) error {
	conn, err := m.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn(conn)

	var gone []string
	for _, p := range m.pending.Paths() {
		if ctx.Err() != nil {
			return nil
		}
		if !m.allow(p) {
			m.pending.Remove(p)
			continue
		}
		if _, err := m.local.Stat(p); errors.Is(err, fs.ErrNotExist) {
			gone = append(gone, p)
			continue
		}
		if err := m.handle(conn, p); err != nil {
			return err
		}
	}

	// Children before parents so directories are empty when removed
	for i := len(gone) - 1; i >= 0; i-- {
		if err := m.handle(conn, gone[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) handle(conn remote.Client, p string) error {
	err := m.applyPath(conn, p)
	if err != nil && remote.IsConnectionLost(err) {
		return err
	}
	m.pending.Remove(p)
	if err != nil {
		slog.Error("mirror failed", "path", p, "err", err)
	}
	return nil
}

// applyPath mirrors the current on-disk state of one path
func (m *Mirror) applyPath(conn remote.Client, p string) error {
	info, err := m.local.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if m.watched[p] {
			m.unwatch(p)
		}
		return m.sync.Transferer().Remove(conn, p)
	case err != nil:
		return fmt.Errorf("failed to stat %s: %w", p, err)
	case info.IsDir():
		return m.syncTree(conn, p)
	case info.Mode().IsRegular():
		return m.sync.Transferer().Copy(conn, p)
	default:
		slog.Debug("skipping special file", "path", p, "mode", info.Mode().String())
		return nil
	}
}

// syncTree handles a directory that appeared: its whole subtree is
// subscribed and synchronized
func (m *Mirror) syncTree(conn remote.Client, dir string) error {
	dirs, _, err := m.walk([]string{dir})
	if err != nil {
		return err
	}

	if m.watchMode {
		var added []string
		for _, d := range dirs {
			if !m.watched[d] {
				m.watched[d] = true
				added = append(added, d)
			}
		}
		if len(added) > 0 {
			if err := m.register(); err != nil {
				for _, d := range added {
					delete(m.watched, d)
				}
				slog.Error("failed to watch new directory", "path", dir, "err", err)
			}
		}
	}

	for _, d := range dirs {
		if _, _, err := m.sync.Sync(conn, d); err != nil {
			if remote.IsConnectionLost(err) {
				return err
			}
			slog.Error("directory sync failed", "path", d, "err", err)
		}
	}
	return nil
}

// unwatch drops a vanished path and everything below it from the
// subscription set
func (m *Mirror) unwatch(p string) {
	prefix := p + string(filepath.Separator)
	for w := range m.watched {
		if w == p || strings.HasPrefix(w, prefix) {
			delete(m.watched, w)
		}
	}
	if !m.watchMode {
		return
	}
	if err := m.register(); err != nil {
		slog.Warn("failed to update watches", "path", p, "err", err)
	}
}

func closeConn(conn remote.Client) {
	if err := conn.Close(); err != nil {
		slog.Debug("failed to close session", "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	slog.Debug("waiting to try again", "delay", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
