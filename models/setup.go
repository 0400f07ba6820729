package models

import (
	"gorm.io/gorm"
)

// SetupModels runs the schema migrations for every table the service owns.
// The legacy tables are intentionally absent: they belong to the old system
// and are only read from.
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&Stream{},
		&Snapshot{},
		&ProjectionCheckpoint{},
		&Workflow{},
		&Task{},
	)
}
