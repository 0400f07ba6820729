package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/models"
)

func TestSnapshotSaveIsIdempotent(t *testing.T) {
	db := testDB(t)
	snapshots := NewSnapshotStore(db)
	ctx := context.Background()

	require.NoError(t, snapshots.Save(ctx, "wf-1", 5, []byte(`{"status":"running"}`), nil))
	// Same key again is ignored, not an error
	require.NoError(t, snapshots.Save(ctx, "wf-1", 5, []byte(`{"status":"overwritten"}`), nil))

	var count int64
	require.NoError(t, db.Model(&models.Snapshot{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	snapshot, err := snapshots.LoadLatest(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"running"}`, string(snapshot.State))
}

func TestSnapshotLoadLatest(t *testing.T) {
	db := testDB(t)
	snapshots := NewSnapshotStore(db)
	ctx := context.Background()

	require.NoError(t, snapshots.Save(ctx, "wf-1", 5, []byte(`{"v":5}`), nil))
	require.NoError(t, snapshots.Save(ctx, "wf-1", 10, []byte(`{"v":10}`), nil))
	require.NoError(t, snapshots.Save(ctx, "wf-2", 3, []byte(`{"v":3}`), nil))

	snapshot, err := snapshots.LoadLatest(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), snapshot.SnapshotVersion)

	atOrBelow := int64(7)
	snapshot, err = snapshots.LoadLatest(ctx, "wf-1", &atOrBelow)
	require.NoError(t, err)
	require.Equal(t, int64(5), snapshot.SnapshotVersion)

	snapshot, err = snapshots.LoadLatest(ctx, "missing", nil)
	require.NoError(t, err)
	require.Nil(t, snapshot)
}

func buildWorkflowHistory(t *testing.T, store EventStore, streamID string, taskCount int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	agg := domain.NewWorkflowAggregate(streamID)
	require.NoError(t, agg.Create("workflow "+streamID, "some query", nil, nil, now))
	require.NoError(t, agg.Start(now))
	for i := 0; i < taskCount; i++ {
		taskID := streamID + "-task-" + string(rune('a'+i))
		require.NoError(t, agg.AddTask(taskID, "search", nil, now))
		require.NoError(t, agg.StartTask(taskID, now))
		require.NoError(t, agg.CompleteTask(taskID, now))
	}
	_, err := store.Save(ctx, agg)
	require.NoError(t, err)
}

func TestRehydrateFromSnapshotEqualsFullReplay(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	snapshots := NewSnapshotStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	buildWorkflowHistory(t, store, "wf-1", 3)

	// Full replay, no snapshots
	full, err := LoadWorkflowAggregate(ctx, store, nil, "wf-1")
	require.NoError(t, err)

	// Snapshot mid-stream, then append more events on top
	state, err := full.MarshalState()
	require.NoError(t, err)
	require.NoError(t, snapshots.Save(ctx, "wf-1", full.GetVersion(), state, nil))

	loaded, err := LoadWorkflowAggregate(ctx, store, snapshots, "wf-1")
	require.NoError(t, err)
	require.NoError(t, loaded.Complete(nil, now))
	_, err = store.Save(ctx, loaded)
	require.NoError(t, err)

	fromSnapshot, err := LoadWorkflowAggregate(ctx, store, snapshots, "wf-1")
	require.NoError(t, err)
	fromScratch, err := LoadWorkflowAggregate(ctx, store, nil, "wf-1")
	require.NoError(t, err)

	require.Equal(t, fromScratch.GetVersion(), fromSnapshot.GetVersion())
	require.Equal(t, fromScratch.State, fromSnapshot.State)
	require.Equal(t, domain.StatusCompleted, fromSnapshot.State.Status)
}

func TestSnapshotterSnapshotsDueStreams(t *testing.T) {
	db := testDB(t)
	store := NewGormEventStore(db)
	snapshots := NewSnapshotStore(db)
	ctx := context.Background()

	// 11 events for wf-1, 2 events for wf-2
	buildWorkflowHistory(t, store, "wf-1", 3)
	agg := domain.NewWorkflowAggregate("wf-2")
	now := time.Now().UTC()
	require.NoError(t, agg.Create("small", "query", nil, nil, now))
	require.NoError(t, agg.Start(now))
	_, err := store.Save(ctx, agg)
	require.NoError(t, err)

	snapshotter := NewSnapshotter(db, store, snapshots, 5, time.Minute)
	require.NoError(t, snapshotter.RunOnce(ctx))

	snapshot, err := snapshots.LoadLatest(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.Equal(t, int64(11), snapshot.SnapshotVersion)

	// Below the frequency threshold, no snapshot
	snapshot, err = snapshots.LoadLatest(ctx, "wf-2", nil)
	require.NoError(t, err)
	require.Nil(t, snapshot)

	// A second pass has nothing new to snapshot
	require.NoError(t, snapshotter.RunOnce(ctx))
	var count int64
	require.NoError(t, db.Model(&models.Snapshot{}).Where("stream_id = ?", "wf-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}
