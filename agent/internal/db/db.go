package db

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

var instance *gorm.DB

// Init opens the local SQLite database used for the unit catalog and the
// processed-command ledger.
func Init(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	adb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: glog.Default.LogMode(glog.Silent),
	})
	if err != nil {
		return nil, err
	}
	instance = adb
	return adb, nil
}

// Get returns the shared handle; nil before Init (callers must guard).
func Get() *gorm.DB { return instance }
