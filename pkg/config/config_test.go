package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	require.NotNil(t, cfg.Watch)
	assert.True(t, *cfg.Watch)
	assert.Equal(t, "fsnotify", cfg.Watcher)
	assert.Equal(t, time.Second, cfg.PollInterval)
	require.NotNil(t, cfg.UseGitignore)
	assert.False(t, *cfg.UseGitignore)
	assert.Equal(t, "~/.ssh/known_hosts", cfg.KnownHosts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Destination)
	assert.Empty(t, cfg.Paths)
}

func TestConfig_Merge(t *testing.T) {
	base := DefaultConfig()

	base.Merge(&Config{
		Destination:  "backup.lan",
		Paths:        []string{"/srv/data"},
		Watch:        boolPtr(false),
		Watcher:      "poll",
		PollInterval: 5 * time.Second,
		Exclude:      []string{"*.log"},
		UseGitignore: boolPtr(true),
		KnownHosts:   "/etc/ssh/ssh_known_hosts",
		Log:          LogConfig{Level: "debug"},
	})

	assert.Equal(t, "backup.lan", base.Destination)
	assert.Equal(t, []string{"/srv/data"}, base.Paths)
	assert.False(t, *base.Watch)
	assert.Equal(t, "poll", base.Watcher)
	assert.Equal(t, 5*time.Second, base.PollInterval)
	assert.Equal(t, []string{"*.log"}, base.Exclude)
	assert.True(t, *base.UseGitignore)
	assert.Equal(t, "/etc/ssh/ssh_known_hosts", base.KnownHosts)
	assert.Equal(t, "debug", base.Log.Level)
}

func TestConfig_MergePartial(t *testing.T) {
	base := DefaultConfig()

	// Only the destination is set, everything else keeps its default
	base.Merge(&Config{Destination: "backup.lan"})

	assert.Equal(t, "backup.lan", base.Destination)
	assert.True(t, *base.Watch)
	assert.Equal(t, "fsnotify", base.Watcher)
	assert.Equal(t, time.Second, base.PollInterval)
	assert.Equal(t, "info", base.Log.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{name: "defaults", cfg: *DefaultConfig()},
		{name: "poll watcher", cfg: Config{Watcher: "poll", PollInterval: time.Minute}},
		{name: "unknown watcher", cfg: Config{Watcher: "inotifywait"}, wantErr: "invalid watcher"},
		{name: "negative interval", cfg: Config{PollInterval: -time.Second}, wantErr: "must not be negative"},
		{name: "unknown level", cfg: Config{Log: LogConfig{Level: "trace"}}, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
