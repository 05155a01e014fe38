package watch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mndot/mere/pkg/filter"
)

// FSNotify implements Watcher using fsnotify (inotify on Linux)
type FSNotify struct {
	watcher *fsnotify.Watcher
	subs    subscriptions[string]
	stream  *stream[fsnotify.Event]
}

// Compile-time check that FSNotify implements Watcher
var _ Watcher = (*FSNotify)(nil)

// NewFSNotify creates a new fsnotify backed Watcher
func NewFSNotify(allow filter.Predicate) (*FSNotify, error) {
	w, err := fsnotify.NewBufferedWatcher(eventBufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	f := &FSNotify{
		watcher: w,
		subs:    make(subscriptions[string]),
	}
	f.stream = &stream[fsnotify.Event]{
		events:    w.Events,
		errors:    w.Errors,
		translate: f.translate,
		allow:     allow,
		debounce:  DebounceInterval,
	}
	return f, nil
}

// Register replaces the watched path set
func (f *FSNotify) Register(paths []string) error {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[filepath.Clean(p)] = true
	}

	var added []string
	for p := range want {
		if _, ok := f.subs[p]; ok {
			continue
		}
		if err := f.watcher.Add(p); err != nil {
			for _, a := range added {
				_ = f.watcher.Remove(a)
				delete(f.subs, a)
			}
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		f.subs[p] = p
		added = append(added, p)
	}

	for p := range f.subs {
		if want[p] {
			continue
		}
		// The kernel drops the watch by itself once the path is deleted
		_ = f.watcher.Remove(p)
		delete(f.subs, p)
	}

	return nil
}

// translate resolves an fsnotify event to the affected path. The handle
// is the watched path: the event's own name for a watched file, otherwise
// its parent directory.
func (f *FSNotify) translate(ev fsnotify.Event) []string {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return nil
	}

	name := filepath.Clean(ev.Name)
	if p, ok := f.subs.resolve(name, ""); ok {
		return []string{p}
	}
	// A rename yields Rename for the old name and Create for the new one,
	// so both sides arrive as separate events.
	if p, ok := f.subs.resolve(filepath.Dir(name), filepath.Base(name)); ok {
		return []string{p}
	}
	return nil
}

// WaitForChanges blocks until changes arrive and inserts them into pending
func (f *FSNotify) WaitForChanges(ctx context.Context, pending *PendingSet) error {
	return f.stream.wait(ctx, pending)
}

// Drain collects queued changes without blocking
func (f *FSNotify) Drain(pending *PendingSet) error {
	_, err := f.stream.drain(pending)
	return err
}

// Stop closes the underlying watcher
func (f *FSNotify) Stop() error {
	f.subs = make(subscriptions[string])
	if err := f.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
