package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/rjeczalik/notify"

	"github.com/mndot/mere/pkg/filter"
)

const notifyEvents = notify.Create | notify.Write | notify.Remove | notify.Rename

// Notify implements Watcher using rjeczalik/notify
type Notify struct {
	events chan notify.EventInfo
	subs   subscriptions[string]
	stream *stream[notify.EventInfo]
}

// Compile-time check that Notify implements Watcher
var _ Watcher = (*Notify)(nil)

// NewNotify creates a new notify backed Watcher
func NewNotify(allow filter.Predicate) *Notify {
	n := &Notify{
		events: make(chan notify.EventInfo, eventBufferSize),
		subs:   make(subscriptions[string]),
	}
	n.stream = &stream[notify.EventInfo]{
		events:    n.events,
		translate: n.translate,
		allow:     allow,
		debounce:  DebounceInterval,
	}
	return n
}

// Register replaces the watched path set. notify can only stop every
// watch point of a channel at once, so the whole set is re-established.
func (n *Notify) Register(paths []string) error {
	previous := make([]string, 0, len(n.subs))
	for p := range n.subs {
		previous = append(previous, p)
	}

	notify.Stop(n.events)
	n.subs = make(subscriptions[string])

	if err := n.watchAll(paths); err != nil {
		notify.Stop(n.events)
		n.subs = make(subscriptions[string])
		if restoreErr := n.watchAll(previous); restoreErr != nil {
			slog.Warn("failed to restore previous watches", "err", restoreErr)
		}
		return err
	}
	return nil
}

func (n *Notify) watchAll(paths []string) error {
	for _, p := range paths {
		p = filepath.Clean(p)
		if err := notify.Watch(p, n.events, notifyEvents); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		n.subs[p] = p
	}
	return nil
}

func (n *Notify) translate(ev notify.EventInfo) []string {
	name := filepath.Clean(ev.Path())
	if p, ok := n.subs.resolve(name, ""); ok {
		return []string{p}
	}
	if p, ok := n.subs.resolve(filepath.Dir(name), filepath.Base(name)); ok {
		return []string{p}
	}
	return nil
}

// WaitForChanges blocks until changes arrive and inserts them into pending
func (n *Notify) WaitForChanges(ctx context.Context, pending *PendingSet) error {
	return n.stream.wait(ctx, pending)
}

// Drain collects queued changes without blocking
func (n *Notify) Drain(pending *PendingSet) error {
	_, err := n.stream.drain(pending)
	return err
}

// Stop removes every watch point
func (n *Notify) Stop() error {
	notify.Stop(n.events)
	n.subs = make(subscriptions[string])
	return nil
}
