package unit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let the watcher register the directory before events fire
	time.Sleep(50 * time.Millisecond)
}

func TestWatcherReloadsEditedUnit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nprintf '{\"msg\":\"old\"}'\n"), 0o755))

	r := NewRegistry(dir, 10*time.Second)
	r.LoadFromDisk()
	res := r.Invoke(context.Background(), "greet", nil)
	require.Equal(t, "old", res.Data["msg"])

	startWatcher(t, r)

	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nprintf '{\"msg\":\"new\"}'\n"), 0o755))
	require.Eventually(t, func() bool {
		res := r.Invoke(context.Background(), "greet", nil)
		return res.Data["msg"] == "new"
	}, 3*time.Second, 20*time.Millisecond,
		"a local edit must go live without an explicit reload")
}

func TestWatcherActivatesCreatedUnit(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, 10*time.Second)
	startWatcher(t, r)

	code := []byte("#!/bin/sh\nprintf '{\"msg\":\"fresh\"}'\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.sh"), code, 0o755))

	require.Eventually(t, func() bool {
		res := r.Invoke(context.Background(), "fresh", nil)
		return res.Success && res.Data["msg"] == "fresh"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresTempWrites(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, 10*time.Second)
	startWatcher(t, r)

	code := []byte("#!/bin/sh\ncat\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost.sh.tmp"), code, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.sh"), code, 0o755))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.List(), "in-flight temp files and dotfiles never activate")
}
