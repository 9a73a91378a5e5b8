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

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), 10*time.Second)
}

func TestLoadFromSourceChecksumMismatch(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\necho hi\n")

	err := r.LoadFromSource("echo", code, "deadbeef")
	require.Error(t, err)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)

	// nothing activated, nothing written
	assert.Empty(t, r.List())
	entries, _ := os.ReadDir(r.dir)
	assert.Empty(t, entries)
}

func TestLoadFromSourceMissingChecksum(t *testing.T) {
	r := newTestRegistry(t)

	err := r.LoadFromSource("echo", []byte("#!/bin/sh\ncat\n"), "")
	require.ErrorIs(t, err, ErrMissingChecksum)
	assert.Empty(t, r.List())
}

func TestLoadFromSourcePersistsAndReplaces(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\ncat\n")

	require.NoError(t, r.LoadFromSource("echo", code, Checksum(code)))
	assert.Equal(t, []string{"echo"}, r.List())

	onDisk, err := os.ReadFile(filepath.Join(r.dir, "echo.sh"))
	require.NoError(t, err)
	assert.Equal(t, code, onDisk)

	// replacement under the same name swaps the handle
	next := []byte("#!/bin/sh\nprintf '{\"success\":true,\"rev\":2}'\n")
	require.NoError(t, r.LoadFromSource("echo", next, Checksum(next)))
	assert.Equal(t, []string{"echo"}, r.List())

	res := r.Invoke(context.Background(), "echo", nil)
	require.True(t, res.Success)
	assert.Equal(t, float64(2), res.Data["rev"])
}

func TestLoadFromSourceRejectsMissingEntryPoint(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("echo no interpreter line\n")

	err := r.LoadFromSource("bad", code, Checksum(code))
	require.ErrorIs(t, err, ErrNoEntryPoint)
	assert.Empty(t, r.List())
}

func TestLoadFromDiskSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	good := []byte("#!/bin/sh\ncat\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.sh"), good, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.sh"), []byte("no shebang\n"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	r := NewRegistry(dir, 10*time.Second)
	loaded := r.LoadFromDisk()

	assert.Equal(t, []string{"good"}, loaded)
	assert.Equal(t, []string{"good"}, r.List())
}

func TestInvokeUnknownUnit(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\ncat\n")
	require.NoError(t, r.LoadFromSource("echo", code, Checksum(code)))

	res := r.Invoke(context.Background(), "ghost", nil)
	require.False(t, res.Success)
	assert.Equal(t, "ghost", res.Data["unit"])
	assert.Equal(t, []string{"echo"}, res.Data["available"])
}

func TestInvokePassesArgsOnStdin(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\ncat\n")
	require.NoError(t, r.LoadFromSource("echo", code, Checksum(code)))

	res := r.Invoke(context.Background(), "echo", map[string]any{"key": "value"})
	require.True(t, res.Success)
	assert.Equal(t, "value", res.Data["key"])
}

func TestInvokeNormalizesBareOutput(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\necho plain text\n")
	require.NoError(t, r.LoadFromSource("plain", code, Checksum(code)))

	res := r.Invoke(context.Background(), "plain", nil)
	require.True(t, res.Success)
	assert.Equal(t, "plain text", res.Data["output"])
}

func TestInvokeUnitFailureIsStructured(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\necho boom >&2\nexit 3\n")
	require.NoError(t, r.LoadFromSource("crash", code, Checksum(code)))

	res := r.Invoke(context.Background(), "crash", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestInvokeUnitReportedFailure(t *testing.T) {
	r := newTestRegistry(t)
	code := []byte("#!/bin/sh\nprintf '{\"success\":false,\"error\":\"disk full\"}'\n")
	require.NoError(t, r.LoadFromSource("report", code, Checksum(code)))

	res := r.Invoke(context.Background(), "report", nil)
	require.False(t, res.Success)
	assert.Equal(t, "disk full", res.Error)
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry(t.TempDir(), 100*time.Millisecond)
	code := []byte("#!/bin/sh\nsleep 5\n")
	require.NoError(t, r.LoadFromSource("slow", code, Checksum(code)))

	start := time.Now()
	res := r.Invoke(context.Background(), "slow", nil)
	require.False(t, res.Success)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLocalEditThenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nprintf '{\"msg\":\"old\"}'\n"), 0o755))

	r := NewRegistry(dir, 10*time.Second)
	r.LoadFromDisk()
	res := r.Invoke(context.Background(), "greet", nil)
	require.Equal(t, "old", res.Data["msg"])

	// edit the source, then reload: the new entry point is live
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nprintf '{\"msg\":\"new\"}'\n"), 0o755))
	r.LoadFromDisk()
	res = r.Invoke(context.Background(), "greet", nil)
	require.Equal(t, "new", res.Data["msg"])
}
