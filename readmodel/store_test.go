package readmodel

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
	return db
}

func ptr[T any](v T) *T { return &v }

func seedReadModels(t *testing.T, db *gorm.DB) {
	t.Helper()
	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	workflows := []models.Workflow{
		{
			WorkflowID: "wf-1", Name: "alpha survey", Query: "diffusion models",
			Status: domain.StatusCompleted, CreatedAt: base,
			StartedAt: ptr(base), CompletedAt: ptr(base.Add(10 * time.Minute)),
			DurationSeconds: ptr(int64(600)),
		},
		{
			WorkflowID: "wf-2", Name: "beta review", Query: "agent planning",
			Status: domain.StatusRunning, CreatedAt: base.Add(time.Hour),
			StartedAt: ptr(base.Add(time.Hour)),
		},
		{
			WorkflowID: "wf-3", Name: "gamma survey", Query: "retrieval",
			Status: domain.StatusFailed, CreatedAt: base.Add(2 * time.Hour),
			StartedAt: ptr(base.Add(2 * time.Hour)), CompletedAt: ptr(base.Add(3 * time.Hour)),
			DurationSeconds: ptr(int64(3600)),
		},
	}
	require.NoError(t, db.Create(&workflows).Error)

	tasks := []models.Task{
		{TaskID: "t-1", WorkflowID: "wf-1", TaskType: "search", Status: domain.StatusCompleted, CreatedAt: base},
		{TaskID: "t-2", WorkflowID: "wf-1", TaskType: "summarize", Status: domain.StatusCompleted, CreatedAt: base.Add(time.Minute)},
	}
	require.NoError(t, db.Create(&tasks).Error)
}

func TestListWorkflowsFiltersAndPaginates(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	seedReadModels(t, db)

	page, err := store.ListWorkflows(ctx, ListParams{})
	require.NoError(t, err)
	require.Equal(t, int64(3), page.Total)
	require.Len(t, page.Workflows, 3)
	// Default sort is created_at descending
	require.Equal(t, "wf-3", page.Workflows[0].WorkflowID)

	page, err = store.ListWorkflows(ctx, ListParams{Status: domain.StatusRunning})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, "wf-2", page.Workflows[0].WorkflowID)

	page, err = store.ListWorkflows(ctx, ListParams{PageSize: 2, Page: 2, SortBy: "created_at", SortOrder: "asc"})
	require.NoError(t, err)
	require.Equal(t, int64(3), page.Total)
	require.Len(t, page.Workflows, 1)
	require.Equal(t, "wf-3", page.Workflows[0].WorkflowID)
}

func TestListWorkflowsSQLSearchFallback(t *testing.T) {
	db := testDB(t)
	// No Elasticsearch client configured, search goes through SQL
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	seedReadModels(t, db)

	page, err := store.ListWorkflows(ctx, ListParams{Search: "SURVEY"})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)

	page, err = store.ListWorkflows(ctx, ListParams{Search: "agent planning"})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, "wf-2", page.Workflows[0].WorkflowID)

	page, err = store.ListWorkflows(ctx, ListParams{Search: "no such thing"})
	require.NoError(t, err)
	require.Equal(t, int64(0), page.Total)
}

func TestGetWorkflowWithTasks(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	seedReadModels(t, db)

	workflow, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "alpha survey", workflow.Name)
	require.Len(t, workflow.Tasks, 2)

	_, err = store.GetWorkflow(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestListTasks(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	seedReadModels(t, db)

	tasks, err := store.ListTasks(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t-1", tasks[0].TaskID)

	tasks, err = store.ListTasks(ctx, "wf-2")
	require.NoError(t, err)
	require.Empty(t, tasks)

	_, err = store.ListTasks(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestStatsRefresh(t *testing.T) {
	db := testDB(t)
	provider := NewStatsProvider(db, nil)
	ctx := context.Background()

	// Empty snapshot before the first refresh
	require.Equal(t, int64(0), provider.Current().TotalWorkflows)

	seedReadModels(t, db)

	stats, err := provider.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalWorkflows)
	require.Equal(t, int64(1), stats.CountsByStatus[domain.StatusCompleted])
	require.Equal(t, int64(1), stats.CountsByStatus[domain.StatusRunning])
	require.Equal(t, int64(1), stats.CountsByStatus[domain.StatusFailed])

	// 1 completed of 2 terminal
	require.InDelta(t, 50.0, stats.SuccessRate, 0.01)
	// (600 + 3600) / 2
	require.InDelta(t, 2100.0, stats.AvgDurationSeconds, 0.01)

	// Readers see the refreshed snapshot
	require.Equal(t, stats, provider.Current())
}

func TestCleanerRemovesExpiredTerminalWorkflows(t *testing.T) {
	db := testDB(t)
	cleaner := NewCleaner(db, nil, nil, 24*time.Hour)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	workflows := []models.Workflow{
		{WorkflowID: "expired-done", Status: domain.StatusCompleted, CompletedAt: ptr(old)},
		{WorkflowID: "expired-failed", Status: domain.StatusFailed, CompletedAt: ptr(old)},
		{WorkflowID: "recent-done", Status: domain.StatusCompleted, CompletedAt: ptr(recent)},
		{WorkflowID: "still-running", Status: domain.StatusRunning},
	}
	require.NoError(t, db.Create(&workflows).Error)
	require.NoError(t, db.Create(&models.Task{
		TaskID: "t-1", WorkflowID: "expired-done", TaskType: "search", Status: domain.StatusCompleted,
	}).Error)

	report, err := cleaner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.WorkflowsRemoved)
	require.Equal(t, int64(1), report.TasksRemoved)

	var remaining []models.Workflow
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, workflow := range remaining {
		require.Contains(t, []string{"recent-done", "still-running"}, workflow.WorkflowID)
	}

	// Hard deleted, not soft deleted
	var total int64
	require.NoError(t, db.Unscoped().Model(&models.Workflow{}).Count(&total).Error)
	require.Equal(t, int64(2), total)

	// A second pass finds nothing
	report, err = cleaner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), report.WorkflowsRemoved)
}
