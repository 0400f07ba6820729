package projections

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/workflow/cache"
	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/models"
	"example.com/backstage/services/workflow/search"
)

// WorkflowProjectionName identifies the workflow read-model projection.
const WorkflowProjectionName = "workflow_read_models"

// WorkflowProjector maintains the workflow and task read models. All writes
// are upserts keyed by aggregate id, so replaying an event leaves the read
// model unchanged. Every task mutation triggers a full re-aggregation of the
// parent's counters in the same transaction; counters are never incremented
// in place, which keeps them drift-free under replay. Cache invalidation and
// search indexing happen post-commit through EventCommitted, so neither
// backend ever sees state that was rolled back.
type WorkflowProjector struct {
	cache   *cache.RedisCache
	elastic *search.ElasticClient
}

// NewWorkflowProjector creates a workflow projector.
func NewWorkflowProjector(redisCache *cache.RedisCache, elastic *search.ElasticClient) *WorkflowProjector {
	return &WorkflowProjector{cache: redisCache, elastic: elastic}
}

// Name implements Projection.
func (p *WorkflowProjector) Name() string {
	return WorkflowProjectionName
}

// StreamTypes implements Projection.
func (p *WorkflowProjector) StreamTypes() []string {
	return []string{domain.StreamTypeWorkflow}
}

// Reset wipes all workflow and task read models for a rebuild.
func (p *WorkflowProjector) Reset(ctx context.Context, tx *gorm.DB) error {
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(&models.Task{}).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to reset task read models")
	}
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(&models.Workflow{}).Error; err != nil {
		return pkgerrors.Wrap(err, "failed to reset workflow read models")
	}
	return nil
}

// Apply implements Projection.
func (p *WorkflowProjector) Apply(ctx context.Context, tx *gorm.DB, event domain.Event) error {
	raw, ok := event.Data.([]byte)
	if !ok {
		return fmt.Errorf("event %s has unexpected payload type %T", event.EventID, event.Data)
	}
	payload, err := domain.DecodeEventData(event.Type, raw)
	if err != nil {
		return err
	}

	switch data := payload.(type) {
	case domain.WorkflowCreatedEvent:
		return p.projectWorkflowCreated(tx, data)
	case domain.WorkflowStartedEvent:
		return p.updateWorkflow(tx, data.WorkflowID, map[string]interface{}{
			"status":     domain.StatusRunning,
			"started_at": data.StartedAt,
		})
	case domain.WorkflowCompletedEvent:
		return p.projectWorkflowFinished(tx, data.WorkflowID, domain.StatusCompleted, data.CompletedAt, nil)
	case domain.WorkflowFailedEvent:
		return p.projectWorkflowFinished(tx, data.WorkflowID, domain.StatusFailed, data.FailedAt, &data.Error)
	case domain.WorkflowCancelledEvent:
		return p.projectWorkflowFinished(tx, data.WorkflowID, domain.StatusCancelled, data.CancelledAt, nil)
	case domain.TaskAddedEvent:
		return p.projectTaskAdded(tx, data)
	case domain.TaskStartedEvent:
		return p.updateTask(tx, data.TaskID, data.WorkflowID, map[string]interface{}{
			"status":     domain.StatusRunning,
			"started_at": data.StartedAt,
		})
	case domain.TaskCompletedEvent:
		return p.projectTaskFinished(tx, data.TaskID, data.WorkflowID, domain.StatusCompleted, data.CompletedAt, nil)
	case domain.TaskFailedEvent:
		return p.projectTaskFinished(tx, data.TaskID, data.WorkflowID, domain.StatusFailed, data.FailedAt, &data.Error)
	default:
		log.Warn().Str("event_type", event.Type).Msg("Ignoring unhandled event type")
		return nil
	}
}

// EventCommitted runs the post-commit side effects for one applied event: the
// workflow's cache entry is dropped and its current row re-indexed. Runs only
// after the read-model transaction and checkpoint advance are durable, so a
// rollback can never leak into the cache or the search index.
func (p *WorkflowProjector) EventCommitted(ctx context.Context, db *gorm.DB, event domain.Event) {
	raw, ok := event.Data.([]byte)
	if !ok {
		return
	}
	var ref struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil || ref.WorkflowID == "" {
		log.Warn().Str("event_id", event.EventID).Msg("Cannot resolve workflow id for post-commit work")
		return
	}

	if p.cache.Enabled() {
		if err := p.cache.Delete(ctx, cache.WorkflowCacheKey(ref.WorkflowID)); err != nil {
			log.Warn().Err(err).Str("workflow_id", ref.WorkflowID).Msg("Failed to invalidate workflow cache")
		}
	}
	p.indexWorkflow(ctx, db, ref.WorkflowID)
}

func (p *WorkflowProjector) projectWorkflowCreated(tx *gorm.DB, data domain.WorkflowCreatedEvent) error {
	var tags []byte
	if len(data.Tags) > 0 {
		encoded, err := json.Marshal(data.Tags)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to marshal workflow tags")
		}
		tags = encoded
	}

	workflow := models.Workflow{
		WorkflowID:  data.WorkflowID,
		Name:        data.Name,
		Query:       data.Query,
		Methodology: data.Methodology,
		Status:      domain.StatusCreated,
		Tags:        tags,
		CreatedAt:   data.CreatedAt,
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workflow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "query", "methodology", "status", "tags", "updated_at",
		}),
	}).Create(&workflow).Error
	return pkgerrors.Wrap(err, "failed to upsert workflow read model")
}

func (p *WorkflowProjector) projectWorkflowFinished(tx *gorm.DB, workflowID, status string, at time.Time, errMsg *string) error {
	var workflow models.Workflow
	if err := tx.Where("workflow_id = ?", workflowID).First(&workflow).Error; err != nil {
		return pkgerrors.Wrapf(err, "workflow read model %s not found", workflowID)
	}

	updates := map[string]interface{}{
		"status":        status,
		"completed_at":  at,
		"error_message": errMsg,
	}
	if workflow.StartedAt != nil {
		duration := int64(at.Sub(*workflow.StartedAt).Seconds())
		updates["duration_seconds"] = duration
	}

	return p.updateWorkflow(tx, workflowID, updates)
}

func (p *WorkflowProjector) updateWorkflow(tx *gorm.DB, workflowID string, updates map[string]interface{}) error {
	err := tx.Model(&models.Workflow{}).
		Where("workflow_id = ?", workflowID).
		Updates(updates).Error
	return pkgerrors.Wrap(err, "failed to update workflow read model")
}

func (p *WorkflowProjector) projectTaskAdded(tx *gorm.DB, data domain.TaskAddedEvent) error {
	task := models.Task{
		TaskID:     data.TaskID,
		WorkflowID: data.WorkflowID,
		TaskType:   data.TaskType,
		AgentType:  data.AgentType,
		Status:     domain.StatusCreated,
		CreatedAt:  data.CreatedAt,
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"workflow_id", "task_type", "agent_type", "status", "updated_at",
		}),
	}).Create(&task).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to upsert task read model")
	}

	return p.recomputeWorkflowMetrics(tx, data.WorkflowID)
}

func (p *WorkflowProjector) projectTaskFinished(tx *gorm.DB, taskID, workflowID, status string, at time.Time, errMsg *string) error {
	var task models.Task
	if err := tx.Where("task_id = ?", taskID).First(&task).Error; err != nil {
		return pkgerrors.Wrapf(err, "task read model %s not found", taskID)
	}

	updates := map[string]interface{}{
		"status":        status,
		"completed_at":  at,
		"error_message": errMsg,
	}
	if task.StartedAt != nil {
		duration := int64(at.Sub(*task.StartedAt).Seconds())
		updates["duration_seconds"] = duration
	}

	return p.updateTask(tx, taskID, workflowID, updates)
}

func (p *WorkflowProjector) updateTask(tx *gorm.DB, taskID, workflowID string, updates map[string]interface{}) error {
	err := tx.Model(&models.Task{}).
		Where("task_id = ?", taskID).
		Updates(updates).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to update task read model")
	}

	return p.recomputeWorkflowMetrics(tx, workflowID)
}

// recomputeWorkflowMetrics re-derives the parent's counters from the current
// task set with one aggregation query.
func (p *WorkflowProjector) recomputeWorkflowMetrics(tx *gorm.DB, workflowID string) error {
	var counts struct {
		Total     int64
		Completed int64
		Failed    int64
	}
	err := tx.Model(&models.Task{}).
		Select(
			"COUNT(*) AS total, "+
				"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed, "+
				"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed",
			domain.StatusCompleted, domain.StatusFailed).
		Where("workflow_id = ?", workflowID).
		Scan(&counts).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to aggregate task counts")
	}

	progress := 0.0
	if counts.Total > 0 {
		progress = float64(counts.Completed) / float64(counts.Total) * 100.0
	}

	return p.updateWorkflow(tx, workflowID, map[string]interface{}{
		"total_tasks":         counts.Total,
		"completed_tasks":     counts.Completed,
		"failed_tasks":        counts.Failed,
		"progress_percentage": progress,
	})
}

// indexWorkflow pushes the committed row into Elasticsearch. Indexing is
// best-effort: a search outage must not poison the checkpoint.
func (p *WorkflowProjector) indexWorkflow(ctx context.Context, db *gorm.DB, workflowID string) {
	if !p.elastic.Enabled() {
		return
	}

	var workflow models.Workflow
	if err := db.WithContext(ctx).Where("workflow_id = ?", workflowID).First(&workflow).Error; err != nil {
		log.Warn().Err(err).Str("workflow_id", workflowID).Msg("Failed to load workflow for indexing")
		return
	}
	if err := p.elastic.IndexWorkflow(ctx, &workflow); err != nil {
		log.Warn().Err(err).Str("workflow_id", workflowID).Msg("Failed to index workflow")
	}
}
