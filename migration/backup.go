package migration

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	workflowBackupTable = "legacy_workflows_backup"
	taskBackupTable     = "legacy_tasks_backup"
)

// Backup snapshots the legacy tables into *_backup tables. An existing backup
// is replaced, so the backup always reflects the legacy data as it stood at
// the start of the most recent run.
func (e *Engine) Backup(ctx context.Context) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pairs := map[string]string{
			"legacy_workflows": workflowBackupTable,
			"legacy_tasks":     taskBackupTable,
		}
		for source, backup := range pairs {
			if err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", backup)).Error; err != nil {
				return pkgerrors.Wrapf(err, "failed to drop stale backup table %s", backup)
			}
			if err := tx.Exec(fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", backup, source)).Error; err != nil {
				return pkgerrors.Wrapf(err, "failed to back up %s", source)
			}
		}
		log.Info().Msg("Legacy tables backed up")
		return nil
	})
}

// HasBackup reports whether a previous run left backup tables behind.
func (e *Engine) HasBackup(ctx context.Context) bool {
	var count int64
	err := e.db.WithContext(ctx).
		Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s", workflowBackupTable)).
		Scan(&count).Error
	return err == nil
}
