package readmodel

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/models"
	"example.com/backstage/services/workflow/search"

	"example.com/backstage/services/workflow/cache"
)

// Cleaner removes terminal workflow read models older than the retention
// window. The event streams are never touched; a purged read model can always
// be rebuilt from them.
type Cleaner struct {
	db      *gorm.DB
	cache   *cache.RedisCache
	elastic *search.ElasticClient
	window  time.Duration
	batch   int
}

// NewCleaner creates a retention cleaner.
func NewCleaner(db *gorm.DB, redisCache *cache.RedisCache, elastic *search.ElasticClient, window time.Duration) *Cleaner {
	return &Cleaner{
		db:      db,
		cache:   redisCache,
		elastic: elastic,
		window:  window,
		batch:   500,
	}
}

// CleanupReport summarizes one retention pass.
type CleanupReport struct {
	WorkflowsRemoved int64     `json:"workflows_removed"`
	TasksRemoved     int64     `json:"tasks_removed"`
	Cutoff           time.Time `json:"cutoff"`
}

// Run deletes workflows that reached a terminal status before the cutoff,
// along with their tasks, cache entries and search documents. Rows are hard
// deleted so repeated passes stay cheap.
func (c *Cleaner) Run(ctx context.Context) (*CleanupReport, error) {
	cutoff := time.Now().UTC().Add(-c.window)
	report := &CleanupReport{Cutoff: cutoff}

	for {
		var expired []models.Workflow
		err := c.db.WithContext(ctx).
			Select("id", "workflow_id").
			Where("status IN ?", domain.TerminalStatuses).
			Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
			Limit(c.batch).
			Find(&expired).Error
		if err != nil {
			return report, pkgerrors.Wrap(err, "failed to find expired workflows")
		}
		if len(expired) == 0 {
			break
		}

		ids := make([]string, 0, len(expired))
		for _, workflow := range expired {
			ids = append(ids, workflow.WorkflowID)
		}

		err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			tasks := tx.Unscoped().Where("workflow_id IN ?", ids).Delete(&models.Task{})
			if tasks.Error != nil {
				return pkgerrors.Wrap(tasks.Error, "failed to delete expired tasks")
			}
			workflows := tx.Unscoped().Where("workflow_id IN ?", ids).Delete(&models.Workflow{})
			if workflows.Error != nil {
				return pkgerrors.Wrap(workflows.Error, "failed to delete expired workflows")
			}
			report.TasksRemoved += tasks.RowsAffected
			report.WorkflowsRemoved += workflows.RowsAffected
			return nil
		})
		if err != nil {
			return report, err
		}

		for _, id := range ids {
			if err := c.cache.Delete(ctx, cache.WorkflowCacheKey(id)); err != nil {
				log.Warn().Err(err).Str("workflow_id", id).Msg("Failed to drop cache entry for purged workflow")
			}
			if err := c.elastic.DeleteWorkflow(ctx, id); err != nil {
				log.Warn().Err(err).Str("workflow_id", id).Msg("Failed to drop search document for purged workflow")
			}
		}

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	if report.WorkflowsRemoved > 0 {
		log.Info().
			Int64("workflows", report.WorkflowsRemoved).
			Int64("tasks", report.TasksRemoved).
			Time("cutoff", cutoff).
			Msg("Retention cleanup removed expired read models")
	}
	return report, nil
}
