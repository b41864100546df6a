package broker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestConfigWatcherTriggersReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	writeConfig(t, path, "listen: 127.0.0.1:9000\n")

	var reloads atomic.Int32
	watcher, err := NewConfigWatcher(path, func(got string) error {
		assert.Equal(t, path, got)
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	watcher.SetDebounce(100 * time.Millisecond)

	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(func() { _ = watcher.Stop() })
	assert.True(t, watcher.IsRunning())

	// A burst of writes collapses into one reload.
	for i := 0; i < 3; i++ {
		writeConfig(t, path, "listen: 127.0.0.1:9001\n")
	}

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestConfigWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	writeConfig(t, path, "listen: 127.0.0.1:9000\n")

	var reloads atomic.Int32
	watcher, err := NewConfigWatcher(path, func(string) error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	watcher.SetDebounce(10 * time.Millisecond)
	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(func() { _ = watcher.Stop() })

	writeConfig(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}

func TestConfigWatcherStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	writeConfig(t, path, "")

	watcher, err := NewConfigWatcher(path, func(string) error { return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))

	require.NoError(t, watcher.Stop())
	assert.False(t, watcher.IsRunning())
	// A second Stop is a no-op.
	assert.NoError(t, watcher.Stop())
}

func TestLogLevelReloaderAppliesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, "logging:\n  level: debug\n")

	level := new(slog.LevelVar)
	metrics := NewMetrics()
	reload := LogLevelReloader(level, metrics, nil)

	require.NoError(t, reload(path))
	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.configReloads.WithLabelValues("success")))
}

func TestLogLevelReloaderRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, "logging:\n  level: loud\n")

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	metrics := NewMetrics()

	err := LogLevelReloader(level, metrics, nil)(path)
	require.Error(t, err)
	assert.Equal(t, slog.LevelWarn, level.Level())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.configReloads.WithLabelValues("failure")))
}

func TestLogLevelReloaderRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, "logging:\n  colour: true\n")

	assert.Error(t, LogLevelReloader(new(slog.LevelVar), nil, nil)(path))
}
