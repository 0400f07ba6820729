package migration

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/models"
)

// ValidationResult compares one record category between the legacy tables and
// the event store.
type ValidationResult struct {
	Category      string `json:"category"`
	LegacyCount   int64  `json:"legacy_count"`
	MigratedCount int64  `json:"migrated_count"`
	Passed        bool   `json:"passed"`
}

// ValidationReport is the outcome of a post-migration consistency check.
type ValidationReport struct {
	Results []ValidationResult `json:"results"`
	Passed  bool               `json:"passed"`
}

// Validate counts legacy records against their migrated counterparts. It
// compares legacy workflows to the streams carrying a legacy workflow id and
// legacy tasks to the TaskAdded events on those streams, and reports
// per-category pass or fail. Only streams matching a legacy id count, so
// live streams created after the cutover cannot mask a failed conversion.
func (e *Engine) Validate(ctx context.Context) (*ValidationReport, error) {
	db := e.db.WithContext(ctx)

	var legacyWorkflows, streams int64
	if err := db.Model(&models.LegacyWorkflow{}).Count(&legacyWorkflows).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count legacy workflows")
	}
	legacyIDs := e.db.WithContext(ctx).Model(&models.LegacyWorkflow{}).Select("workflow_id")
	if err := db.Model(&models.Stream{}).
		Where("stream_type = ?", domain.StreamTypeWorkflow).
		Where("stream_id IN (?)", legacyIDs).
		Count(&streams).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count workflow streams")
	}

	var legacyTasks, taskEvents int64
	if err := db.Model(&models.LegacyTask{}).Count(&legacyTasks).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count legacy tasks")
	}
	legacyEventIDs := e.db.WithContext(ctx).Model(&models.LegacyWorkflow{}).Select("workflow_id")
	if err := db.Model(&models.Event{}).
		Where("event_type = ?", domain.TaskAdded).
		Where("stream_id IN (?)", legacyEventIDs).
		Count(&taskEvents).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count task events")
	}

	report := &ValidationReport{
		Results: []ValidationResult{
			{
				Category:      "workflows",
				LegacyCount:   legacyWorkflows,
				MigratedCount: streams,
				Passed:        streams >= legacyWorkflows,
			},
			{
				Category:      "tasks",
				LegacyCount:   legacyTasks,
				MigratedCount: taskEvents,
				Passed:        taskEvents >= legacyTasks,
			},
		},
		Passed: true,
	}
	for _, result := range report.Results {
		if !result.Passed {
			report.Passed = false
			log.Warn().
				Str("category", result.Category).
				Int64("legacy", result.LegacyCount).
				Int64("migrated", result.MigratedCount).
				Msg("Migration validation mismatch")
		}
	}
	return report, nil
}
