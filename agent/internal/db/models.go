package db

import "time"

// UnitRecord is the durable catalog entry for a loaded capability unit.
type UnitRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128"`
	Checksum  string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProcessedCommand records command ids already executed, so a command
// delivered over both transports (or replayed after a restart) runs once.
type ProcessedCommand struct {
	ID          uint  `gorm:"primaryKey"`
	CommandID   int64 `gorm:"uniqueIndex"`
	ProcessedAt time.Time
}
