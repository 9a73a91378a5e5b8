package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) {
	t.Helper()
	adb, err := Init(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, adb.AutoMigrate(&UnitRecord{}, &ProcessedCommand{}))
}

func TestLedgerMarkAndLookup(t *testing.T) {
	newTestDB(t)
	window := time.Hour

	require.False(t, CommandProcessed(42, window))
	MarkCommandProcessed(42, window)
	require.True(t, CommandProcessed(42, window))

	// a second mark for the same id is a no-op
	MarkCommandProcessed(42, window)
	var count int64
	Get().Model(&ProcessedCommand{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLedgerPrunesOutsideWindow(t *testing.T) {
	newTestDB(t)
	window := time.Hour

	MarkCommandProcessed(1, window)
	Get().Model(&ProcessedCommand{}).
		Where("command_id = ?", int64(1)).
		Update("processed_at", time.Now().Add(-2*window))

	require.False(t, CommandProcessed(1, window))

	// the next mark prunes the expired row
	MarkCommandProcessed(2, window)
	var count int64
	Get().Model(&ProcessedCommand{}).Count(&count)
	assert.Equal(t, int64(1), count)
	require.True(t, CommandProcessed(2, window))
}

func TestSaveUnitRecordUpserts(t *testing.T) {
	newTestDB(t)

	SaveUnitRecord("echo", "c1")
	SaveUnitRecord("echo", "c2")

	var rec UnitRecord
	require.NoError(t, Get().Where("name = ?", "echo").First(&rec).Error)
	assert.Equal(t, "c2", rec.Checksum)

	var count int64
	Get().Model(&UnitRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLedgerNilGuard(t *testing.T) {
	prev := instance
	instance = nil
	defer func() { instance = prev }()

	// no database yet: every call degrades quietly
	MarkCommandProcessed(7, time.Hour)
	assert.False(t, CommandProcessed(7, time.Hour))
	SaveUnitRecord("echo", "c1")
}
