package migration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	require.NoError(t, db.AutoMigrate(&models.LegacyWorkflow{}, &models.LegacyTask{}))
	return db
}

func ptr[T any](v T) *T { return &v }

func seedLegacyData(t *testing.T, db *gorm.DB) {
	t.Helper()
	base := time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)

	completed := models.LegacyWorkflow{
		WorkflowID:  "legacy-1",
		Name:        "survey",
		Query:       "diffusion models",
		Status:      domain.StatusCompleted,
		CreatedAt:   base,
		StartedAt:   ptr(base.Add(time.Minute)),
		CompletedAt: ptr(base.Add(30 * time.Minute)),
	}
	running := models.LegacyWorkflow{
		WorkflowID: "legacy-2",
		Name:       "in flight",
		Query:      "agents",
		Status:     domain.StatusRunning,
		CreatedAt:  base.Add(time.Hour),
		StartedAt:  ptr(base.Add(61 * time.Minute)),
	}
	require.NoError(t, db.Create(&completed).Error)
	require.NoError(t, db.Create(&running).Error)

	tasks := []models.LegacyTask{
		{
			TaskID:      "legacy-task-1",
			WorkflowID:  "legacy-1",
			TaskType:    "search",
			Status:      domain.StatusCompleted,
			CreatedAt:   base.Add(2 * time.Minute),
			StartedAt:   ptr(base.Add(3 * time.Minute)),
			CompletedAt: ptr(base.Add(10 * time.Minute)),
		},
		{
			TaskID:       "legacy-task-2",
			WorkflowID:   "legacy-1",
			TaskType:     "summarize",
			Status:       domain.StatusFailed,
			CreatedAt:    base.Add(11 * time.Minute),
			StartedAt:    ptr(base.Add(12 * time.Minute)),
			CompletedAt:  ptr(base.Add(20 * time.Minute)),
			ErrorMessage: ptr("context overflow"),
		},
	}
	require.NoError(t, db.Create(&tasks).Error)
}

func TestMigrationSynthesizesOrderedEvents(t *testing.T) {
	db := testDB(t)
	store := eventstore.NewGormEventStore(db)
	engine := NewEngine(db, store, nil)
	ctx := context.Background()

	seedLegacyData(t, db)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.WorkflowsMigrated)
	require.Equal(t, 0, report.WorkflowsSkipped)
	require.Empty(t, report.Failures)

	events, err := store.Read(ctx, "legacy-1", 1, 0)
	require.NoError(t, err)

	// created + started + 2*(added,started,terminal) + completed
	require.Len(t, events, 9)
	require.Equal(t, domain.WorkflowCreated, events[0].Type)
	require.Equal(t, domain.WorkflowCompleted, events[len(events)-1].Type)

	// Timestamps never go backwards
	for i := 1; i < len(events); i++ {
		require.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}

	// The migrated stream replays into a valid aggregate
	agg, err := eventstore.LoadWorkflowAggregate(ctx, store, nil, "legacy-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, agg.State.Status)
	require.Len(t, agg.State.Tasks, 2)
	require.Equal(t, domain.StatusFailed, agg.State.Tasks["legacy-task-2"].Status)
	require.Equal(t, "context overflow", *agg.State.Tasks["legacy-task-2"].ErrorMessage)

	// A non-terminal legacy workflow has no terminal event
	events, err = store.Read(ctx, "legacy-2", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.WorkflowStarted, events[1].Type)
}

func TestMigrationRerunSkipsMigratedStreams(t *testing.T) {
	db := testDB(t)
	store := eventstore.NewGormEventStore(db)
	engine := NewEngine(db, store, nil)
	ctx := context.Background()

	seedLegacyData(t, db)

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// A new legacy record arrives between runs
	require.NoError(t, db.Create(&models.LegacyWorkflow{
		WorkflowID: "legacy-3",
		Name:       "late arrival",
		Query:      "q",
		Status:     domain.StatusCreated,
		CreatedAt:  time.Now().UTC(),
	}).Error)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.WorkflowsMigrated)
	require.Equal(t, 2, report.WorkflowsSkipped)

	// Re-running did not duplicate events
	var count int64
	require.NoError(t, db.Model(&models.Event{}).Where("stream_id = ?", "legacy-1").Count(&count).Error)
	require.Equal(t, int64(9), count)
}

func TestMigrationContinuesPastBadRecords(t *testing.T) {
	db := testDB(t)
	store := eventstore.NewGormEventStore(db)
	engine := NewEngine(db, store, nil)
	ctx := context.Background()

	// Completed workflow with no completion timestamp is unconvertible
	require.NoError(t, db.Create(&models.LegacyWorkflow{
		WorkflowID: "legacy-bad",
		Name:       "broken",
		Query:      "q",
		Status:     domain.StatusCompleted,
		CreatedAt:  time.Now().UTC(),
	}).Error)
	seedLegacyData(t, db)

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.WorkflowsMigrated)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "legacy-bad", report.Failures[0].WorkflowID)

	version, err := store.GetStreamVersion(ctx, "legacy-bad")
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
}

func TestMigrationValidate(t *testing.T) {
	db := testDB(t)
	store := eventstore.NewGormEventStore(db)
	engine := NewEngine(db, store, nil)
	ctx := context.Background()

	seedLegacyData(t, db)

	// Live streams on non-legacy ids never count as migrated, so they cannot
	// mask a conversion that did not happen.
	now := time.Now().UTC()
	for _, id := range []string{"live-1", "live-2"} {
		agg := domain.NewWorkflowAggregate(id)
		require.NoError(t, agg.Create("live", "q", nil, nil, now))
		require.NoError(t, agg.AddTask(id+"-task", "search", nil, now))
		_, err := store.Save(ctx, agg)
		require.NoError(t, err)
	}

	// Before migration the counts do not line up
	report, err := engine.Validate(ctx)
	require.NoError(t, err)
	require.False(t, report.Passed)
	for _, result := range report.Results {
		require.Zero(t, result.MigratedCount, result.Category)
	}

	_, err = engine.Run(ctx)
	require.NoError(t, err)

	report, err = engine.Validate(ctx)
	require.NoError(t, err)
	require.True(t, report.Passed)
	for _, result := range report.Results {
		require.True(t, result.Passed, result.Category)
		require.Equal(t, result.LegacyCount, result.MigratedCount, result.Category)
	}
}

func TestMigrationRollback(t *testing.T) {
	db := testDB(t)
	store := eventstore.NewGormEventStore(db)
	engine := NewEngine(db, store, nil)
	ctx := context.Background()

	// Nothing to roll back before a run
	require.Error(t, engine.Rollback(ctx))

	seedLegacyData(t, db)
	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// Simulate post-migration damage to the legacy tables
	require.NoError(t, db.Where("workflow_id = ?", "legacy-1").Delete(&models.LegacyWorkflow{}).Error)

	require.NoError(t, engine.Rollback(ctx))

	var legacyCount, eventCount, streamCount int64
	require.NoError(t, db.Model(&models.LegacyWorkflow{}).Count(&legacyCount).Error)
	require.NoError(t, db.Model(&models.Event{}).Count(&eventCount).Error)
	require.NoError(t, db.Model(&models.Stream{}).Count(&streamCount).Error)
	require.Equal(t, int64(2), legacyCount)
	require.Equal(t, int64(0), eventCount)
	require.Equal(t, int64(0), streamCount)
}
