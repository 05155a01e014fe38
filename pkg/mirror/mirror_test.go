package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mndot/mere/pkg/remote"
	"github.com/mndot/mere/pkg/watch"
)

// batch is one round of notifications; before runs first so a test can
// change the local tree the way an editor would
type batch struct {
	before func()
	paths  []string
}

type fakeWatcher struct {
	batches     []batch
	registered  [][]string
	registerErr error
	waitErr     error
	stopped     bool

	idle     chan struct{}
	idleOnce sync.Once
}

func newFakeWatcher(batches ...batch) *fakeWatcher {
	return &fakeWatcher{batches: batches, idle: make(chan struct{})}
}

func (w *fakeWatcher) Register(paths []string) error {
	if w.registerErr != nil {
		return w.registerErr
	}
	w.registered = append(w.registered, append([]string(nil), paths...))
	return nil
}

func (w *fakeWatcher) WaitForChanges(ctx context.Context, pending *watch.PendingSet) error {
	if w.waitErr != nil {
		return w.waitErr
	}
	if len(w.batches) > 0 {
		b := w.batches[0]
		w.batches = w.batches[1:]
		if b.before != nil {
			b.before()
		}
		for _, p := range b.paths {
			pending.Add(p)
		}
		return nil
	}

	w.idleOnce.Do(func() { close(w.idle) })
	<-ctx.Done()
	return ctx.Err()
}

func (w *fakeWatcher) Drain(*watch.PendingSet) error {
	return nil
}

func (w *fakeWatcher) Stop() error {
	w.stopped = true
	return nil
}

func (w *fakeWatcher) lastRegistered() []string {
	if len(w.registered) == 0 {
		return nil
	}
	return w.registered[len(w.registered)-1]
}

type harness struct {
	local   afero.Fs
	client  *remote.MockClient
	watcher *fakeWatcher
	mirror  *Mirror

	// failures maps a 1-based connection attempt to its error
	failures  map[int]error
	onConnect func(n int)
	connects  int
	events    []string
}

func newHarness(t *testing.T, watchMode bool, roots []string, batches ...batch) *harness {
	t.Helper()

	h := &harness{
		local:    afero.NewMemMapFs(),
		client:   remote.NewMockClient(),
		watcher:  newFakeWatcher(batches...),
		failures: make(map[int]error),
	}

	opts := Options{
		Roots: roots,
		Watch: watchMode,
		Connector: ConnectorFunc(func(context.Context) (remote.Client, error) {
			h.connects++
			h.events = append(h.events, "connect")
			if err := h.failures[h.connects]; err != nil {
				return nil, err
			}
			if h.onConnect != nil {
				h.onConnect(h.connects)
			}
			return h.client, nil
		}),
		Local: h.local,
	}
	if watchMode {
		opts.Watcher = h.watcher
	}

	m, err := New(opts)
	require.NoError(t, err)
	m.sleep = func(_ context.Context, d time.Duration) error {
		h.events = append(h.events, fmt.Sprintf("sleep %s", d))
		return nil
	}
	h.mirror = m
	return h
}

func (h *harness) write(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.local, p, []byte(content), 0o644))
}

// runUntilIdle runs the mirror until the watcher has nothing left to deliver
func (h *harness) runUntilIdle(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mirror.Run(ctx) }()

	select {
	case <-h.watcher.idle:
	case err := <-done:
		cancel()
		t.Fatalf("mirror stopped early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("mirror did not become idle")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not stop after cancellation")
	}
}

// captureLogs routes the default logger into a buffer for the test
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func remoteContent(t *testing.T, c *remote.MockClient, p string) string {
	t.Helper()
	f, ok := c.Files[p]
	require.True(t, ok, "remote file %s is missing", p)
	return string(f.Data)
}

func TestNew(t *testing.T) {
	connector := ConnectorFunc(func(context.Context) (remote.Client, error) { return nil, nil })

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name:    "no roots",
			opts:    Options{Connector: connector},
			wantErr: "at least one path",
		},
		{
			name:    "relative root",
			opts:    Options{Roots: []string{"srv/data"}, Connector: connector},
			wantErr: "must be absolute",
		},
		{
			name:    "no connector",
			opts:    Options{Roots: []string{"/srv/data"}},
			wantErr: "connector is required",
		},
		{
			name:    "watch without watcher",
			opts:    Options{Roots: []string{"/srv/data"}, Connector: connector, Watch: true},
			wantErr: "watcher is required",
		},
		{
			name: "one shot",
			opts: Options{Roots: []string{"/srv/data"}, Connector: connector},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m.local)
			assert.NotNil(t, m.allow)
			assert.Equal(t, ReconnectDelay, m.delay)
		})
	}
}

func TestRun_OneShotConverges(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/data"})
	h.write(t, "/srv/data/a.txt", "hello")
	h.write(t, "/srv/data/sub/b.txt", "xy")
	h.write(t, "/srv/data/.cache/c.txt", "z")
	h.write(t, "/srv/data/draft.txt~", "backup")
	h.client.SetFile("/srv/data/stale.txt", []byte("old"))

	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Equal(t, "hello", remoteContent(t, h.client, "/srv/data/a.txt"))
	assert.Equal(t, "xy", remoteContent(t, h.client, "/srv/data/sub/b.txt"))
	assert.NotContains(t, h.client.Files, "/srv/data/stale.txt")
	assert.NotContains(t, h.client.Files, "/srv/data/.cache/c.txt")
	assert.NotContains(t, h.client.Files, "/srv/data/draft.txt~")
	assert.False(t, h.client.Dirs["/srv/data/.cache"], "filtered directories are not entered")
	assert.Equal(t, 1, h.connects)
	assert.True(t, h.client.Closed)
}

func TestRun_OneShotIsIdempotent(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/data"})
	h.write(t, "/srv/data/a.txt", "hello")
	h.write(t, "/srv/data/sub/b.txt", "xy")

	require.NoError(t, h.mirror.Run(context.Background()))
	h.client.Reset()
	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Empty(t, h.client.CallsWithPrefix("create"))
	assert.Empty(t, h.client.CallsWithPrefix("rename"))
	assert.Empty(t, h.client.CallsWithPrefix("remove"))
}

func TestRun_FileRoot(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/notes.txt"})
	h.write(t, "/srv/notes.txt", "remember")
	logs := captureLogs(t)

	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Equal(t, "remember", remoteContent(t, h.client, "/srv/notes.txt"))
	assert.Contains(t, h.client.Calls, "mkdir /srv")
	assert.Contains(t, logs.String(), "copied=1")
}

func TestRun_HiddenFileRootFollowsChanges(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/.env"}, batch{
		before: func() { h.write(t, "/srv/.env", "version-two") },
		paths:  []string{"/srv/.env"},
	})
	h.write(t, "/srv/.env", "v1")

	h.runUntilIdle(t)

	assert.Equal(t, "version-two", remoteContent(t, h.client, "/srv/.env"))
	assert.True(t, h.mirror.Pending().IsEmpty())
	assert.Equal(t, 2, h.connects)
}

func TestRun_MissingRoot(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/missing"})

	err := h.mirror.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to access /srv/missing")
	assert.Zero(t, h.connects)
}

func TestRun_RetriesAfterReconnectDelay(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/data"})
	h.write(t, "/srv/data/a.txt", "hello")
	h.failures[1] = errors.New("connection refused")

	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Equal(t, []string{"connect", "sleep 10s", "connect"}, h.events)
	assert.Equal(t, "hello", remoteContent(t, h.client, "/srv/data/a.txt"))
}

func TestRun_RetriesFullPassOnConnectionLoss(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/data"})
	h.write(t, "/srv/data/a.txt", "hello")
	h.onConnect = func(n int) {
		h.client.Reset()
		if n == 1 {
			h.client.SetError("readdir", "/srv/data", sftp.ErrSSHFxConnectionLost)
		}
	}

	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Equal(t, []string{"connect", "sleep 10s", "connect"}, h.events)
	assert.Equal(t, "hello", remoteContent(t, h.client, "/srv/data/a.txt"))
}

func TestRun_CancelledWhileWaitingToReconnect(t *testing.T) {
	h := newHarness(t, false, []string{"/srv/data"})
	h.write(t, "/srv/data/a.txt", "hello")
	h.failures[1] = errors.New("connection refused")
	h.mirror.sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	require.NoError(t, h.mirror.Run(context.Background()))

	assert.Equal(t, 1, h.connects)
	assert.Empty(t, h.client.Files)
}

func TestRun_WatchModeMirrorsChanges(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() {
			h.write(t, "/srv/data/new.txt", "fresh")
			h.write(t, "/srv/data/a.txt", "edited")
			require.NoError(t, h.local.Remove("/srv/data/b.txt"))
		},
		paths: []string{"/srv/data/new.txt", "/srv/data/a.txt", "/srv/data/b.txt"},
	})
	h.write(t, "/srv/data/a.txt", "hello")
	h.write(t, "/srv/data/b.txt", "bye")

	h.runUntilIdle(t)

	assert.Equal(t, "fresh", remoteContent(t, h.client, "/srv/data/new.txt"))
	assert.Equal(t, "edited", remoteContent(t, h.client, "/srv/data/a.txt"))
	assert.NotContains(t, h.client.Files, "/srv/data/b.txt")
	assert.True(t, h.mirror.Pending().IsEmpty())
	assert.Equal(t, []string{"/srv/data"}, h.watcher.registered[0])
	assert.True(t, h.watcher.stopped)
	assert.Equal(t, 2, h.connects)
}

func TestRun_NewDirectoryIsWatchedAndSynced(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() {
			h.write(t, "/srv/data/sub/f.txt", "inside")
			h.write(t, "/srv/data/sub/deeper/g.txt", "deep")
		},
		paths: []string{"/srv/data/sub"},
	})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))

	h.runUntilIdle(t)

	assert.Equal(t, "inside", remoteContent(t, h.client, "/srv/data/sub/f.txt"))
	assert.Equal(t, "deep", remoteContent(t, h.client, "/srv/data/sub/deeper/g.txt"))
	assert.ElementsMatch(t,
		[]string{"/srv/data", "/srv/data/sub", "/srv/data/sub/deeper"},
		h.watcher.lastRegistered())
}

func TestRun_DeletedDirectoryRemovedAfterChildren(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() {
			require.NoError(t, h.local.RemoveAll("/srv/data/d"))
		},
		paths: []string{"/srv/data/d", "/srv/data/d/f.txt"},
	})
	h.write(t, "/srv/data/d/f.txt", "doomed")

	h.runUntilIdle(t)

	removes := h.client.CallsWithPrefix("remove")
	assert.Equal(t, []string{"remove /srv/data/d/f.txt", "remove /srv/data/d"}, removes)
	assert.False(t, h.client.Dirs["/srv/data/d"])
	assert.Equal(t, []string{"/srv/data"}, h.watcher.lastRegistered())
}

func TestRun_ConnectionLossKeepsPendingPaths(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() {
			h.write(t, "/srv/data/a.txt", "one")
			h.write(t, "/srv/data/b.txt", "two")
		},
		paths: []string{"/srv/data/a.txt", "/srv/data/b.txt"},
	})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.onConnect = func(n int) {
		h.client.Reset()
		if n == 2 {
			h.client.SetError("create", "/srv/data/.mere~", sftp.ErrSSHFxConnectionLost)
		}
	}

	h.runUntilIdle(t)

	assert.Equal(t, []string{"connect", "connect", "sleep 10s", "connect"}, h.events)
	assert.Equal(t, "one", remoteContent(t, h.client, "/srv/data/a.txt"))
	assert.Equal(t, "two", remoteContent(t, h.client, "/srv/data/b.txt"))
	assert.True(t, h.mirror.Pending().IsEmpty())
}

func TestRun_SessionFailureKeepsPendingPaths(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() { h.write(t, "/srv/data/a.txt", "one") },
		paths:  []string{"/srv/data/a.txt"},
	})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.failures[2] = &remote.AuthError{User: "alice", Cause: errors.New("agent: no identities")}

	h.runUntilIdle(t)

	assert.Equal(t, []string{"connect", "connect", "sleep 10s", "connect"}, h.events)
	assert.Equal(t, "one", remoteContent(t, h.client, "/srv/data/a.txt"))
}

func TestRun_PermanentFailureDropsPath(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() { h.write(t, "/srv/data/a.txt", "one") },
		paths:  []string{"/srv/data/a.txt"},
	})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.onConnect = func(n int) {
		h.client.Reset()
		if n == 2 {
			h.client.SetError("create", "/srv/data/.mere~", errors.New("permission denied"))
		}
	}

	h.runUntilIdle(t)

	assert.Equal(t, []string{"connect", "connect"}, h.events)
	assert.NotContains(t, h.client.Files, "/srv/data/a.txt")
	assert.True(t, h.mirror.Pending().IsEmpty())
}

func TestRun_IgnoresFilteredPendingPaths(t *testing.T) {
	var h *harness
	h = newHarness(t, true, []string{"/srv/data"}, batch{
		before: func() {
			h.write(t, "/srv/data/a.txt~", "backup")
			h.write(t, "/srv/data/4913", "")
		},
		paths: []string{"/srv/data/a.txt~", "/srv/data/4913", "/srv/data/.a.txt.swp"},
	})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.onConnect = func(int) { h.client.Reset() }

	h.runUntilIdle(t)

	assert.Empty(t, h.client.Calls)
	assert.True(t, h.mirror.Pending().IsEmpty())
}

func TestRun_WatcherFailureIsFatal(t *testing.T) {
	h := newHarness(t, true, []string{"/srv/data"})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.watcher.waitErr = watch.ErrClosed

	err := h.mirror.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, watch.ErrClosed)
	assert.Contains(t, err.Error(), "watching for changes")
	assert.True(t, h.watcher.stopped)
}

func TestRun_RegisterFailureIsFatal(t *testing.T) {
	h := newHarness(t, true, []string{"/srv/data"})
	require.NoError(t, h.local.MkdirAll("/srv/data", 0o755))
	h.watcher.registerErr = errors.New("too many open files")

	err := h.mirror.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register watches")
	assert.Zero(t, h.connects)
}

func TestRun_WatchesEveryDirectoryAndFileRoot(t *testing.T) {
	h := newHarness(t, true, []string{"/srv/data", "/etc/app.conf"})
	h.write(t, "/srv/data/x/y/z.txt", "z")
	h.write(t, "/srv/data/.git/HEAD", "ref")
	h.write(t, "/etc/app.conf", "port=1")

	h.runUntilIdle(t)

	assert.Equal(t,
		[]string{"/etc/app.conf", "/srv/data", "/srv/data/x", "/srv/data/x/y"},
		h.watcher.registered[0])
	assert.Equal(t, "port=1", remoteContent(t, h.client, "/etc/app.conf"))
	assert.Equal(t, "z", remoteContent(t, h.client, "/srv/data/x/y/z.txt"))
}
