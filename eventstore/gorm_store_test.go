package eventstore

import (
	"context"
	"errors"
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

	// Shared cache keeps the in-memory database alive across pooled
	// connections; the random name isolates parallel tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	return db
}

func createdEvent(streamID string) domain.Event {
	return domain.Event{
		Type: domain.WorkflowCreated,
		Data: domain.WorkflowCreatedEvent{
			WorkflowID: streamID,
			Name:       "test workflow",
			Query:      "test query",
			CreatedAt:  time.Now().UTC(),
		},
	}
}

func startedEvent(streamID string) domain.Event {
	return domain.Event{
		Type: domain.WorkflowStarted,
		Data: domain.WorkflowStartedEvent{WorkflowID: streamID, StartedAt: time.Now().UTC()},
	}
}

func TestAppendAssignsSequenceNumbers(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	expected := int64(0)
	version, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{createdEvent("wf-1"), startedEvent("wf-1")}, &expected)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	events, err := store.Read(ctx, "wf-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(1), events[0].SequenceNumber)
	require.Equal(t, int64(2), events[1].SequenceNumber)
	require.Equal(t, domain.WorkflowCreated, events[0].Type)
	require.NotEmpty(t, events[0].EventID)

	current, err := store.GetStreamVersion(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), current)
}

func TestAppendVersionConflict(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	expected := int64(0)
	_, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{createdEvent("wf-1")}, &expected)
	require.NoError(t, err)

	// Stale expected version is rejected and nothing is written
	stale := int64(0)
	_, err = store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{startedEvent("wf-1")}, &stale)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(0), conflict.Expected)
	require.Equal(t, int64(1), conflict.Actual)

	events, err := store.Read(ctx, "wf-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAppendWithoutExpectedVersionSkipsCheck(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	_, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{createdEvent("wf-1")}, nil)
	require.NoError(t, err)

	version, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{startedEvent("wf-1")}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
}

func TestAppendDuplicateEventIDIsIdempotent(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	first := createdEvent("wf-1")
	first.EventID = "fixed-id-1"
	expected := int64(0)
	version, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{first}, &expected)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	// Retrying the same batch changes nothing
	retry := createdEvent("wf-1")
	retry.EventID = "fixed-id-1"
	expected = int64(1)
	version, err = store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{retry}, &expected)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	// A mixed batch only appends the new event
	second := startedEvent("wf-1")
	second.EventID = "fixed-id-2"
	version, err = store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{retry, second}, &expected)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	events, err := store.Read(ctx, "wf-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestReadRange(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	batch := []domain.Event{
		createdEvent("wf-1"),
		startedEvent("wf-1"),
		{Type: domain.WorkflowCompleted, Data: domain.WorkflowCompletedEvent{WorkflowID: "wf-1", CompletedAt: time.Now().UTC()}},
	}
	_, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow, batch, nil)
	require.NoError(t, err)

	events, err := store.Read(ctx, "wf-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].SequenceNumber)

	events, err = store.Read(ctx, "wf-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[1].SequenceNumber)
}

func TestReadAfterPosition(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()

	_, err := store.Append(ctx, "wf-1", domain.StreamTypeWorkflow,
		[]domain.Event{createdEvent("wf-1"), startedEvent("wf-1")}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "wf-2", domain.StreamTypeWorkflow,
		[]domain.Event{createdEvent("wf-2")}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "other-1", "other",
		[]domain.Event{createdEvent("other-1")}, nil)
	require.NoError(t, err)

	events, err := store.ReadAfterPosition(ctx, []string{domain.StreamTypeWorkflow}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].GlobalPosition, events[i-1].GlobalPosition)
	}

	// Resume from the middle
	events, err = store.ReadAfterPosition(ctx, []string{domain.StreamTypeWorkflow}, events[1].GlobalPosition, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "wf-2", events[0].StreamID)

	// Limit caps the batch
	events, err = store.ReadAfterPosition(ctx, nil, 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestGetStreamVersionUnknownStream(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)

	version, err := store.GetStreamVersion(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
}

func TestSaveAppendsAggregateEvents(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	agg := domain.NewWorkflowAggregate("wf-1")
	require.NoError(t, agg.Create("name", "query", nil, nil, now))
	require.NoError(t, agg.Start(now))

	version, err := store.Save(ctx, agg)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
	require.Empty(t, agg.GetUncommittedEvents())

	// A second writer on a stale aggregate conflicts
	stale := domain.NewWorkflowAggregate("wf-1")
	require.NoError(t, stale.Create("name", "query", nil, nil, now))
	_, err = store.Save(ctx, stale)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))
}
