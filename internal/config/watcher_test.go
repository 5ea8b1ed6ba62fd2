package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/needledrop/needledrop/internal/config"
)

const watcherBaseConfig = `
server:
  log_level: info
providers:
  recognizer:
    name: audd
    api_key: tok
`

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "needledrop.yaml")
	writeConfig(t, path, watcherBaseConfig)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "needledrop.yaml")
	writeConfig(t, path, watcherBaseConfig)

	changed := make(chan config.LogLevel, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changed <- new.Server.LogLevel
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Ensure the mtime actually differs on filesystems with coarse
	// timestamp resolution.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, `
server:
  log_level: debug
providers:
  recognizer:
    name: audd
    api_key: tok
`)

	select {
	case got := <-changed:
		if got != config.LogDebug {
			t.Errorf("reloaded log_level = %q, want debug", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current().Server.LogLevel = %q, want debug", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "needledrop.yaml")
	writeConfig(t, path, watcherBaseConfig)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		t.Error("onChange must not fire for an invalid config")
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, `
server:
  log_level: bogus
`)

	// Give the poller a few cycles to observe the bad file.
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current().Server.LogLevel = %q, want info (old config retained)", got)
	}
}
