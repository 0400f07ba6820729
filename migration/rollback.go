package migration

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/models"
)

// Rollback restores the legacy tables from the backup and clears everything
// the migration produced: events, streams, snapshots, checkpoints and the
// derived read models. It refuses to run when no backup exists.
func (e *Engine) Rollback(ctx context.Context) error {
	if !e.HasBackup(ctx) {
		return pkgerrors.New("no migration backup found, nothing to roll back")
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		restores := map[string]string{
			"legacy_workflows": workflowBackupTable,
			"legacy_tasks":     taskBackupTable,
		}
		for target, backup := range restores {
			if err := tx.Exec(fmt.Sprintf("DELETE FROM %s", target)).Error; err != nil {
				return pkgerrors.Wrapf(err, "failed to clear %s", target)
			}
			if err := tx.Exec(fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, backup)).Error; err != nil {
				return pkgerrors.Wrapf(err, "failed to restore %s", target)
			}
		}

		wipe := []interface{}{
			&models.Task{},
			&models.Workflow{},
			&models.ProjectionCheckpoint{},
			&models.Snapshot{},
			&models.Event{},
			&models.Stream{},
		}
		for _, model := range wipe {
			err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
				Unscoped().
				Delete(model).Error
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to clear %T", model)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Msg("Migration rolled back, legacy tables restored from backup")
	return nil
}
