package handlers

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/workflow/config"
	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/messaging"
	"example.com/backstage/services/workflow/models"
	"example.com/backstage/services/workflow/tracing"
)

func newTestHandler(t *testing.T) (*WorkflowHandler, eventstore.EventStore, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	store := eventstore.NewGormEventStore(db)
	snapshots := eventstore.NewSnapshotStore(db)

	// Disabled publisher and tracer, same code path as production
	publisher, err := messaging.NewPublisher(config.AzureConfig{})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	return NewWorkflowHandler(store, snapshots, publisher, tracer), store, db
}

func TestCreateAndDriveWorkflow(t *testing.T) {
	handler, _, db := newTestHandler(t)
	ctx := context.Background()

	result, err := handler.CreateWorkflow(ctx, CreateWorkflowCommand{
		Name:  "survey",
		Query: "state space models",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.WorkflowID)
	require.Equal(t, int64(1), result.Version)

	id := result.WorkflowID

	result, err = handler.StartWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Version)

	result, err = handler.AddTask(ctx, id, AddTaskCommand{TaskType: "search"})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Version)

	result, err = handler.CompleteWorkflow(ctx, id, CompleteWorkflowCommand{})
	require.NoError(t, err)
	require.Equal(t, int64(4), result.Version)

	// Every command landed in the log
	var count int64
	require.NoError(t, db.Model(&models.Event{}).Where("stream_id = ?", id).Count(&count).Error)
	require.Equal(t, int64(4), count)
}

func TestCommandsOnMissingWorkflow(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := handler.StartWorkflow(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = handler.AddTask(ctx, "missing", AddTaskCommand{TaskType: "search"})
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCreateWithExplicitIDConflictsOnDuplicate(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := handler.CreateWorkflow(ctx, CreateWorkflowCommand{
		WorkflowID: "fixed-id",
		Name:       "first",
		Query:      "q",
	})
	require.NoError(t, err)

	_, err = handler.CreateWorkflow(ctx, CreateWorkflowCommand{
		WorkflowID: "fixed-id",
		Name:       "second",
		Query:      "q",
	})
	require.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
}

func TestInvalidTransitionSurfacesDomainError(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	ctx := context.Background()

	result, err := handler.CreateWorkflow(ctx, CreateWorkflowCommand{Name: "n", Query: "q"})
	require.NoError(t, err)

	// Complete before start is a domain violation, not a store error
	_, err = handler.CompleteWorkflow(ctx, result.WorkflowID, CompleteWorkflowCommand{})
	require.Error(t, err)
	require.NotErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	// Task transitions are validated too
	_, err = handler.StartTask(ctx, result.WorkflowID, "no-such-task")
	require.Error(t, err)
}

func TestTaskCommands(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	created, err := handler.CreateWorkflow(ctx, CreateWorkflowCommand{Name: "n", Query: "q"})
	require.NoError(t, err)
	id := created.WorkflowID

	_, err = handler.StartWorkflow(ctx, id)
	require.NoError(t, err)

	added, err := handler.AddTask(ctx, id, AddTaskCommand{TaskID: "task-1", TaskType: "search"})
	require.NoError(t, err)
	require.Equal(t, int64(3), added.Version)

	_, err = handler.StartTask(ctx, id, "task-1")
	require.NoError(t, err)
	result, err := handler.FailTask(ctx, id, "task-1", FailCommand{Error: "timeout"})
	require.NoError(t, err)
	require.Equal(t, int64(5), result.Version)

	// The aggregate state reflects the failure
	agg, err := eventstore.LoadWorkflowAggregate(ctx, store, nil, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, agg.State.Tasks["task-1"].Status)
}
