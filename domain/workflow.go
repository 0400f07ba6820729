package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow and task statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatuses are the statuses a workflow never leaves.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskState is the in-aggregate state of one child task.
type TaskState struct {
	TaskID       string     `json:"task_id"`
	TaskType     string     `json:"task_type"`
	AgentType    *string    `json:"agent_type,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// WorkflowState is the full aggregate state. It is what snapshots serialize.
type WorkflowState struct {
	WorkflowID   string                `json:"workflow_id"`
	Name         string                `json:"name"`
	Query        string                `json:"query"`
	Methodology  *string               `json:"methodology,omitempty"`
	Status       string                `json:"status"`
	Tags         []string              `json:"tags,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	Tasks        map[string]*TaskState `json:"tasks"`
}

// WorkflowAggregate is the event-sourced workflow entity. Command methods
// validate state transitions before applying events.
type WorkflowAggregate struct {
	*AggregateBase
	State WorkflowState
}

// NewWorkflowAggregate creates an empty workflow aggregate with the given
// stream ID.
func NewWorkflowAggregate(id string) *WorkflowAggregate {
	agg := &WorkflowAggregate{
		State: WorkflowState{Tasks: make(map[string]*TaskState)},
	}
	agg.AggregateBase = NewAggregateBase(StreamTypeWorkflow, agg.apply)
	agg.SetID(id)
	return agg
}

// Create starts the workflow lifecycle. It must be the first event.
func (w *WorkflowAggregate) Create(name, query string, methodology *string, tags []string, at time.Time) error {
	if w.State.WorkflowID != "" {
		return fmt.Errorf("workflow %s already exists", w.GetID())
	}
	return w.Apply(WorkflowCreatedEvent{
		WorkflowID:  w.GetID(),
		Name:        name,
		Query:       query,
		Methodology: methodology,
		Tags:        tags,
		CreatedAt:   at,
	})
}

// Start moves the workflow from created to running.
func (w *WorkflowAggregate) Start(at time.Time) error {
	if err := w.requireStatus(StatusCreated); err != nil {
		return err
	}
	return w.Apply(WorkflowStartedEvent{WorkflowID: w.GetID(), StartedAt: at})
}

// Complete marks a running workflow as completed.
func (w *WorkflowAggregate) Complete(results map[string]interface{}, at time.Time) error {
	if err := w.requireStatus(StatusRunning); err != nil {
		return err
	}
	return w.Apply(WorkflowCompletedEvent{WorkflowID: w.GetID(), CompletedAt: at, Results: results})
}

// Fail marks a running workflow as failed.
func (w *WorkflowAggregate) Fail(errMsg string, at time.Time) error {
	if err := w.requireStatus(StatusRunning); err != nil {
		return err
	}
	return w.Apply(WorkflowFailedEvent{WorkflowID: w.GetID(), FailedAt: at, Error: errMsg})
}

// Cancel cancels a workflow that has not reached a terminal state.
func (w *WorkflowAggregate) Cancel(at time.Time) error {
	if err := w.requireStatus(StatusCreated, StatusRunning); err != nil {
		return err
	}
	return w.Apply(WorkflowCancelledEvent{WorkflowID: w.GetID(), CancelledAt: at})
}

// AddTask adds a child task to a non-terminal workflow.
func (w *WorkflowAggregate) AddTask(taskID, taskType string, agentType *string, at time.Time) error {
	if err := w.requireStatus(StatusCreated, StatusRunning); err != nil {
		return err
	}
	if _, ok := w.State.Tasks[taskID]; ok {
		return fmt.Errorf("task %s already exists in workflow %s", taskID, w.GetID())
	}
	return w.Apply(TaskAddedEvent{
		TaskID:     taskID,
		WorkflowID: w.GetID(),
		TaskType:   taskType,
		AgentType:  agentType,
		CreatedAt:  at,
	})
}

// StartTask moves a task from created to running.
func (w *WorkflowAggregate) StartTask(taskID string, at time.Time) error {
	if err := w.requireTaskStatus(taskID, StatusCreated); err != nil {
		return err
	}
	return w.Apply(TaskStartedEvent{TaskID: taskID, WorkflowID: w.GetID(), StartedAt: at})
}

// CompleteTask marks a running task as completed.
func (w *WorkflowAggregate) CompleteTask(taskID string, at time.Time) error {
	if err := w.requireTaskStatus(taskID, StatusRunning); err != nil {
		return err
	}
	return w.Apply(TaskCompletedEvent{TaskID: taskID, WorkflowID: w.GetID(), CompletedAt: at})
}

// FailTask marks a running task as failed.
func (w *WorkflowAggregate) FailTask(taskID, errMsg string, at time.Time) error {
	if err := w.requireTaskStatus(taskID, StatusRunning); err != nil {
		return err
	}
	return w.Apply(TaskFailedEvent{TaskID: taskID, WorkflowID: w.GetID(), FailedAt: at, Error: errMsg})
}

// MarshalState serializes the aggregate state for snapshotting.
func (w *WorkflowAggregate) MarshalState() ([]byte, error) {
	return json.Marshal(w.State)
}

// RestoreState replaces the aggregate state from a snapshot taken at the
// given version.
func (w *WorkflowAggregate) RestoreState(state []byte, version int64) error {
	var restored WorkflowState
	if err := json.Unmarshal(state, &restored); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot state: %w", err)
	}
	if restored.Tasks == nil {
		restored.Tasks = make(map[string]*TaskState)
	}
	w.State = restored
	w.SetVersion(version)
	return nil
}

func (w *WorkflowAggregate) requireStatus(allowed ...string) error {
	if w.State.WorkflowID == "" {
		return fmt.Errorf("workflow %s does not exist", w.GetID())
	}
	for _, status := range allowed {
		if w.State.Status == status {
			return nil
		}
	}
	return fmt.Errorf("workflow %s is %s, expected one of %v", w.GetID(), w.State.Status, allowed)
}

func (w *WorkflowAggregate) requireTaskStatus(taskID string, allowed ...string) error {
	if err := w.requireStatus(StatusCreated, StatusRunning); err != nil {
		return err
	}
	task, ok := w.State.Tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found in workflow %s", taskID, w.GetID())
	}
	for _, status := range allowed {
		if task.Status == status {
			return nil
		}
	}
	return fmt.Errorf("task %s is %s, expected one of %v", taskID, task.Status, allowed)
}

// apply folds a single event into the aggregate state. It is used for both
// live commands and replay, so it must stay free of side effects.
func (w *WorkflowAggregate) apply(event interface{}) error {
	switch e := event.(type) {
	case WorkflowCreatedEvent:
		w.State.WorkflowID = e.WorkflowID
		w.State.Name = e.Name
		w.State.Query = e.Query
		w.State.Methodology = e.Methodology
		w.State.Tags = e.Tags
		w.State.Status = StatusCreated
		w.State.CreatedAt = e.CreatedAt
	case WorkflowStartedEvent:
		started := e.StartedAt
		w.State.Status = StatusRunning
		w.State.StartedAt = &started
	case WorkflowCompletedEvent:
		completed := e.CompletedAt
		w.State.Status = StatusCompleted
		w.State.CompletedAt = &completed
	case WorkflowFailedEvent:
		failed := e.FailedAt
		errMsg := e.Error
		w.State.Status = StatusFailed
		w.State.CompletedAt = &failed
		w.State.ErrorMessage = &errMsg
	case WorkflowCancelledEvent:
		cancelled := e.CancelledAt
		w.State.Status = StatusCancelled
		w.State.CompletedAt = &cancelled
	case TaskAddedEvent:
		w.State.Tasks[e.TaskID] = &TaskState{
			TaskID:    e.TaskID,
			TaskType:  e.TaskType,
			AgentType: e.AgentType,
			Status:    StatusCreated,
			CreatedAt: e.CreatedAt,
		}
	case TaskStartedEvent:
		task, ok := w.State.Tasks[e.TaskID]
		if !ok {
			return fmt.Errorf("task %s not found", e.TaskID)
		}
		started := e.StartedAt
		task.Status = StatusRunning
		task.StartedAt = &started
	case TaskCompletedEvent:
		task, ok := w.State.Tasks[e.TaskID]
		if !ok {
			return fmt.Errorf("task %s not found", e.TaskID)
		}
		completed := e.CompletedAt
		task.Status = StatusCompleted
		task.CompletedAt = &completed
	case TaskFailedEvent:
		task, ok := w.State.Tasks[e.TaskID]
		if !ok {
			return fmt.Errorf("task %s not found", e.TaskID)
		}
		failed := e.FailedAt
		errMsg := e.Error
		task.Status = StatusFailed
		task.CompletedAt = &failed
		task.ErrorMessage = &errMsg
	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
	return nil
}
