package watch

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/mndot/mere/pkg/filter"
)

// DefaultPollInterval is used when no interval is configured
const DefaultPollInterval = time.Second

type stamp struct {
	size int64
	mod  time.Time
	mode fs.FileMode
}

type pollEvent struct {
	handle int
	name   string
}

// Poller implements Watcher by periodically listing watched paths. It is
// the fallback for filesystems without kernel change notification.
type Poller struct {
	fs       afero.Fs
	interval time.Duration

	mu        sync.Mutex
	subs      subscriptions[int]
	snapshots map[int]map[string]stamp
	nextID    int

	events   chan pollEvent
	done     chan struct{}
	stopOnce sync.Once
	stream   *stream[pollEvent]
}

// Compile-time check that Poller implements Watcher
var _ Watcher = (*Poller)(nil)

// NewPoller creates a polling Watcher over fsys (the OS filesystem when nil)
func NewPoller(fsys afero.Fs, interval time.Duration, allow filter.Predicate) *Poller {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &Poller{
		fs:        fsys,
		interval:  interval,
		subs:      make(subscriptions[int]),
		snapshots: make(map[int]map[string]stamp),
		events:    make(chan pollEvent, eventBufferSize),
		done:      make(chan struct{}),
	}
	p.stream = &stream[pollEvent]{
		events:    p.events,
		translate: p.translate,
		allow:     allow,
		debounce:  DebounceInterval,
	}

	go p.run()
	return p
}

// Register replaces the watched path set
func (p *Poller) Register(paths []string) error {
	for _, path := range paths {
		if _, err := p.fs.Stat(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	byPath := make(map[string]int, len(p.subs))
	for h, path := range p.subs {
		byPath[path] = h
	}

	subs := make(subscriptions[int], len(paths))
	snapshots := make(map[int]map[string]stamp, len(paths))
	for _, path := range paths {
		path = filepath.Clean(path)
		if h, ok := byPath[path]; ok {
			subs[h] = path
			snapshots[h] = p.snapshots[h]
			continue
		}
		p.nextID++
		subs[p.nextID] = path
		snapshots[p.nextID] = p.snapshot(path)
	}

	p.subs = subs
	p.snapshots = snapshots
	return nil
}

func (p *Poller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			for _, ev := range p.scan() {
				select {
				case p.events <- ev:
				case <-p.done:
					return
				}
			}
		}
	}
}

// scan compares every watched path against its previous snapshot
func (p *Poller) scan() []pollEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var events []pollEvent
	for h, path := range p.subs {
		current := p.snapshot(path)
		previous := p.snapshots[h]

		for name, st := range current {
			if old, ok := previous[name]; !ok || old != st {
				events = append(events, pollEvent{handle: h, name: name})
			}
		}
		for name := range previous {
			if _, ok := current[name]; !ok {
				events = append(events, pollEvent{handle: h, name: name})
			}
		}
		p.snapshots[h] = current
	}
	return events
}

// snapshot lists a watched path. A file is recorded under the empty name;
// a missing path yields an empty snapshot.
func (p *Poller) snapshot(path string) map[string]stamp {
	result := make(map[string]stamp)

	info, err := p.fs.Stat(path)
	if err != nil {
		return result
	}
	if !info.IsDir() {
		result[""] = stampOf(info)
		return result
	}

	entries, err := afero.ReadDir(p.fs, path)
	if err != nil {
		return result
	}
	for _, e := range entries {
		result[e.Name()] = stampOf(e)
	}
	return result
}

func stampOf(info fs.FileInfo) stamp {
	return stamp{size: info.Size(), mod: info.ModTime(), mode: info.Mode()}
}

func (p *Poller) translate(ev pollEvent) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path, ok := p.subs.resolve(ev.handle, ev.name); ok {
		return []string{path}
	}
	return nil
}

// WaitForChanges blocks until changes arrive and inserts them into pending
func (p *Poller) WaitForChanges(ctx context.Context, pending *PendingSet) error {
	return p.stream.wait(ctx, pending)
}

// Drain collects queued changes without blocking
func (p *Poller) Drain(pending *PendingSet) error {
	_, err := p.stream.drain(pending)
	return err
}

// Stop ends polling and drops every subscription
func (p *Poller) Stop() error {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	p.subs = make(subscriptions[int])
	p.snapshots = make(map[int]map[string]stamp)
	p.mu.Unlock()
	return nil
}
