// Package watch bridges OS change notifications to a PendingSet.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mndot/mere/pkg/filter"
)

const (
	// DebounceInterval is the pause between non-blocking drains after the
	// first batch of events arrives.
	DebounceInterval = 50 * time.Millisecond

	// maxDrainRounds bounds the drain loop so a file that is written
	// continuously cannot postpone synchronization forever.
	maxDrainRounds = 100

	eventBufferSize = 256
)

// ErrClosed is returned when the notification stream has been shut down
var ErrClosed = errors.New("watcher closed")

// Watcher subscribes to change notifications for a set of paths.
//
// Subscriptions are non-recursive: only direct children of a watched
// directory generate events.
type Watcher interface {
	// Register replaces the subscription set. It is all-or-nothing: on
	// error the previous subscription set is left unchanged.
	Register(paths []string) error

	// WaitForChanges blocks until at least one event arrives, then keeps
	// draining at DebounceInterval until a drain yields nothing.
	WaitForChanges(ctx context.Context, pending *PendingSet) error

	// Drain collects already queued events without blocking.
	Drain(pending *PendingSet) error

	// Stop tears down every subscription.
	Stop() error
}

// Backend names accepted by New
const (
	BackendFSNotify = "fsnotify"
	BackendNotify   = "notify"
	BackendPoll     = "poll"
)

// Options configures a Watcher
type Options struct {
	// Backend selects the notification facility (default fsnotify)
	Backend string

	// Allow filters candidate paths (default filter.IsMirrorable)
	Allow filter.Predicate

	// PollInterval is used by the poll backend
	PollInterval time.Duration
}

// New creates a Watcher for the configured backend
func New(opts Options) (Watcher, error) {
	if opts.Allow == nil {
		opts.Allow = filter.IsMirrorable
	}

	switch opts.Backend {
	case "", BackendFSNotify:
		return NewFSNotify(opts.Allow)
	case BackendNotify:
		return NewNotify(opts.Allow), nil
	case BackendPoll:
		return NewPoller(nil, opts.PollInterval, opts.Allow), nil
	default:
		return nil, fmt.Errorf("unknown watcher backend %q (expected %s, %s or %s)",
			opts.Backend, BackendFSNotify, BackendNotify, BackendPoll)
	}
}

// subscriptions maps a watch handle to the path it covers
type subscriptions[H comparable] map[H]string

// resolve turns a handle and an event name relative to it into an
// absolute path. An empty name refers to the watched path itself.
func (s subscriptions[H]) resolve(handle H, name string) (string, bool) {
	root, ok := s[handle]
	if !ok {
		return "", false
	}
	if name == "" {
		return root, true
	}
	return filepath.Join(root, name), true
}

// stream is the raw event feed of one backend
type stream[T any] struct {
	events    <-chan T
	errors    <-chan error
	translate func(T) []string
	allow     filter.Predicate
	debounce  time.Duration
}

func (s *stream[T]) insert(pending *PendingSet, ev T) {
	for _, p := range s.translate(ev) {
		if !s.allow(p) {
			continue
		}
		if pending.Add(p) {
			slog.Debug("path pending", "path", p)
		}
	}
}

// wait blocks for the first event, then debounces
func (s *stream[T]) wait(ctx context.Context, pending *PendingSet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-s.errors:
		if !ok {
			return ErrClosed
		}
		return fmt.Errorf("reading change notifications: %w", err)
	case ev, ok := <-s.events:
		if !ok {
			return ErrClosed
		}
		s.insert(pending, ev)
	}

	timer := time.NewTimer(s.debounce)
	defer timer.Stop()

	for round := 0; round < maxDrainRounds; round++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := s.drain(pending)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		timer.Reset(s.debounce)
	}
	return nil
}

// drain reads queued events without blocking and returns how many were read
func (s *stream[T]) drain(pending *PendingSet) (int, error) {
	n := 0
	for {
		select {
		case err, ok := <-s.errors:
			if !ok {
				return n, ErrClosed
			}
			return n, fmt.Errorf("reading change notifications: %w", err)
		case ev, ok := <-s.events:
			if !ok {
				return n, ErrClosed
			}
			s.insert(pending, ev)
			n++
		default:
			return n, nil
		}
	}
}
