package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowLifecycle(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-1")

	require.NoError(t, agg.Create("lit review", "transformer architectures", nil, nil, now))
	require.Equal(t, StatusCreated, agg.State.Status)
	require.Equal(t, int64(1), agg.GetVersion())

	require.NoError(t, agg.Start(now))
	require.Equal(t, StatusRunning, agg.State.Status)

	require.NoError(t, agg.Complete(map[string]interface{}{"papers": 12}, now))
	require.Equal(t, StatusCompleted, agg.State.Status)
	require.NotNil(t, agg.State.CompletedAt)

	// Three events were recorded
	require.Len(t, agg.GetUncommittedEvents(), 3)
	require.Equal(t, int64(3), agg.GetVersion())
}

func TestWorkflowInvalidTransitions(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-2")

	// Cannot start before creation
	require.Error(t, agg.Start(now))

	require.NoError(t, agg.Create("name", "query", nil, nil, now))

	// Cannot create twice
	require.Error(t, agg.Create("name", "query", nil, nil, now))

	// Cannot complete before starting
	require.Error(t, agg.Complete(nil, now))

	require.NoError(t, agg.Start(now))
	require.NoError(t, agg.Fail("agent crashed", now))
	require.Equal(t, StatusFailed, agg.State.Status)

	// Terminal states reject further transitions
	require.Error(t, agg.Start(now))
	require.Error(t, agg.Complete(nil, now))
	require.Error(t, agg.Cancel(now))
}

func TestWorkflowCancelFromCreated(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-3")

	require.NoError(t, agg.Create("name", "query", nil, nil, now))
	require.NoError(t, agg.Cancel(now))
	require.Equal(t, StatusCancelled, agg.State.Status)
}

func TestTaskLifecycle(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-4")

	require.NoError(t, agg.Create("name", "query", nil, nil, now))
	require.NoError(t, agg.Start(now))

	agent := "search-agent"
	require.NoError(t, agg.AddTask("task-1", "search", &agent, now))
	require.NoError(t, agg.AddTask("task-2", "summarize", nil, now))

	// Duplicate task ids are rejected
	require.Error(t, agg.AddTask("task-1", "search", nil, now))

	require.NoError(t, agg.StartTask("task-1", now))
	require.NoError(t, agg.CompleteTask("task-1", now))
	require.Equal(t, StatusCompleted, agg.State.Tasks["task-1"].Status)

	// Cannot complete a task that never started
	require.Error(t, agg.CompleteTask("task-2", now))

	require.NoError(t, agg.StartTask("task-2", now))
	require.NoError(t, agg.FailTask("task-2", "timeout", now))
	require.Equal(t, StatusFailed, agg.State.Tasks["task-2"].Status)
	require.Equal(t, "timeout", *agg.State.Tasks["task-2"].ErrorMessage)

	// Unknown task
	require.Error(t, agg.StartTask("task-9", now))
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-5")

	require.NoError(t, agg.Create("name", "query", nil, []string{"nlp"}, now))
	require.NoError(t, agg.Start(now))
	require.NoError(t, agg.AddTask("task-1", "search", nil, now))
	require.NoError(t, agg.StartTask("task-1", now))
	require.NoError(t, agg.CompleteTask("task-1", now))
	require.NoError(t, agg.Complete(nil, now))

	replayed := NewWorkflowAggregate("wf-5")
	for _, event := range agg.GetUncommittedEvents() {
		require.NoError(t, replayed.Replay(event.Data))
	}

	require.Equal(t, agg.State, replayed.State)
	require.Equal(t, agg.GetVersion(), replayed.GetVersion())
	// Replay records nothing
	require.Empty(t, replayed.GetUncommittedEvents())
}

func TestSnapshotRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	agg := NewWorkflowAggregate("wf-6")

	require.NoError(t, agg.Create("name", "query", nil, nil, now))
	require.NoError(t, agg.Start(now))
	require.NoError(t, agg.AddTask("task-1", "search", nil, now))

	state, err := agg.MarshalState()
	require.NoError(t, err)

	restored := NewWorkflowAggregate("wf-6")
	require.NoError(t, restored.RestoreState(state, agg.GetVersion()))

	require.Equal(t, agg.GetVersion(), restored.GetVersion())
	require.Equal(t, agg.State.Status, restored.State.Status)
	require.Len(t, restored.State.Tasks, 1)

	// A restored aggregate accepts further commands
	require.NoError(t, restored.StartTask("task-1", now))
	require.Equal(t, agg.GetVersion()+1, restored.GetVersion())
}

func TestEventTypeMapping(t *testing.T) {
	eventType, err := EventTypeOf(WorkflowCreatedEvent{})
	require.NoError(t, err)
	require.Equal(t, WorkflowCreated, eventType)

	_, err = EventTypeOf(struct{}{})
	require.Error(t, err)

	payload, err := DecodeEventData(TaskFailed, []byte(`{"task_id":"t1","error":"boom"}`))
	require.NoError(t, err)
	failed, ok := payload.(TaskFailedEvent)
	require.True(t, ok)
	require.Equal(t, "boom", failed.Error)

	_, err = DecodeEventData("Unknown", []byte(`{}`))
	require.Error(t, err)
}
