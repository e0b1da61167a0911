package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configBody(path, storePath, announcements string) []byte {
	return []byte(fmt.Sprintf(`{
  "timezone": "America/Halifax",
  "logging": {"level": "error", "file": {"enabled": true, "path": %q}},
  "storage": {"driver": "file", "path": %q},
  "events": {"log": true},
  "announcements": [%s]
}`, filepath.Join(filepath.Dir(path), "announcer.log"), storePath, announcements))
}

func writeConfig(t *testing.T, path, storePath, announcements string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, configBody(path, storePath, announcements), 0o600))
}

func keys(t *testing.T, a *App) map[string]bool {
	t.Helper()
	views, err := a.Service().ListScheduled(context.Background())
	require.NoError(t, err)
	out := map[string]bool{}
	for _, v := range views {
		if k, ok := v.Metadata[KeyMetadata].(string); ok {
			out[k] = v.IsActive
		}
	}
	return out
}

func TestAppStartsSyncsAndStops(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "announcer.json")
	store := filepath.Join(dir, "data", "announcements")
	writeConfig(t, cfgPath, store, `
    {"key": "standup", "content": "Standup", "time": "09:55", "rule": "weekdays"},
    {"key": "lunch", "content": "Lunch", "time": "12:00"}`)

	ctx := context.Background()
	a, err := New(ctx, cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, map[string]bool{"standup": true, "lunch": true}, keys(t, a))

	require.NoError(t, a.Stop(ctx))
	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed after stop")
	}

	// A second process restores the same entries from disk.
	b, err := New(ctx, cfgPath)
	require.NoError(t, err)
	views, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.True(t, v.IsActive, v.Content)
	}
	require.NoError(t, b.Stop(ctx))
}

func TestAppAppliesReloadedAnnouncements(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "announcer.json")
	store := filepath.Join(dir, "data", "announcements")
	writeConfig(t, cfgPath, store, `{"key": "standup", "content": "Standup", "time": "09:55", "rule": "weekdays"}`)

	ctx := context.Background()
	a, err := New(ctx, cfgPath)
	require.NoError(t, err)
	a.cfgm.Debounce = 20 * time.Millisecond
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(ctx) }()

	// The watcher may not be registered yet; keep rewriting until the reload lands.
	retro := configBody(cfgPath, store, `{"key": "retro", "content": "Retro", "time": "16:00", "rule": "custom", "days": [5]}`)
	require.Eventually(t, func() bool {
		_ = os.WriteFile(cfgPath, retro, 0o600)
		time.Sleep(50 * time.Millisecond)
		cfg := a.config()
		if len(cfg.Announcements) != 1 || cfg.Announcements[0].Key != "retro" {
			return false
		}
		views, err := a.Service().ListScheduled(ctx)
		return err == nil && len(views) == 1 && views[0].Metadata[KeyMetadata] == "retro"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "announcer.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"storage":{"driver":"carrier-pigeon"}}`), 0o600))
	_, err := New(context.Background(), cfgPath)
	assert.Error(t, err)

	_, err = New(context.Background(), filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
