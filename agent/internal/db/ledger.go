package db

import (
	"time"

	"gorm.io/gorm/clause"

	"nimbus-agent/agent/internal/logger"
)

// SaveUnitRecord upserts the catalog entry for a unit.
func SaveUnitRecord(name, checksum string) {
	adb := Get()
	if adb == nil {
		return
	}
	rec := UnitRecord{Name: name, Checksum: checksum}
	err := adb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"checksum", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		logger.Warnf("Unit record upsert for %s failed: %v", name, err)
	}
}

// MarkCommandProcessed records a command id in the durable ledger and prunes
// entries older than the window. Best-effort: a write failure only degrades
// dedupe to the in-memory window, but gets logged so it is diagnosable.
func MarkCommandProcessed(id int64, window time.Duration) {
	adb := Get()
	if adb == nil {
		return
	}
	err := adb.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessedCommand{CommandID: id, ProcessedAt: time.Now()}).Error
	if err != nil {
		logger.Warnf("Ledger write for command %d failed: %v", id, err)
	}
	err = adb.Where("processed_at < ?", time.Now().Add(-window)).
		Delete(&ProcessedCommand{}).Error
	if err != nil {
		logger.Warnf("Ledger prune failed: %v", err)
	}
}

// CommandProcessed reports whether a command id was executed inside the window.
func CommandProcessed(id int64, window time.Duration) bool {
	adb := Get()
	if adb == nil {
		return false
	}
	var count int64
	err := adb.Model(&ProcessedCommand{}).
		Where("command_id = ? AND processed_at >= ?", id, time.Now().Add(-window)).
		Count(&count).Error
	if err != nil {
		logger.Warnf("Ledger lookup for command %d failed: %v", id, err)
		return false
	}
	return count > 0
}
