package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream types
const (
	StreamTypeWorkflow = "workflow"
)

// Event types
const (
	WorkflowCreated   = "WorkflowCreated"
	WorkflowStarted   = "WorkflowStarted"
	WorkflowCompleted = "WorkflowCompleted"
	WorkflowFailed    = "WorkflowFailed"
	WorkflowCancelled = "WorkflowCancelled"

	TaskAdded     = "TaskAdded"
	TaskStarted   = "TaskStarted"
	TaskCompleted = "TaskCompleted"
	TaskFailed    = "TaskFailed"
)

// SchemaVersion is the current payload schema version stamped on new events.
const SchemaVersion = 1

// Event is a domain event flowing between the aggregates, the event store and
// the projections. Data holds the typed payload on the write path and the raw
// JSON payload when read back from the store.
type Event struct {
	EventID        string            `json:"event_id"`
	StreamID       string            `json:"stream_id"`
	StreamType     string            `json:"stream_type"`
	Type           string            `json:"event_type"`
	SchemaVersion  int               `json:"schema_version"`
	SequenceNumber int64             `json:"sequence_number"`
	GlobalPosition int64             `json:"global_position"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  *string           `json:"correlation_id,omitempty"`
	CausationID    *string           `json:"causation_id,omitempty"`
	Data           interface{}       `json:"data"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Workflow event payloads

type WorkflowCreatedEvent struct {
	WorkflowID  string    `json:"workflow_id"`
	Name        string    `json:"name"`
	Query       string    `json:"query"`
	Methodology *string   `json:"methodology,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type WorkflowStartedEvent struct {
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`
}

type WorkflowCompletedEvent struct {
	WorkflowID  string                 `json:"workflow_id"`
	CompletedAt time.Time              `json:"completed_at"`
	Results     map[string]interface{} `json:"results,omitempty"`
}

type WorkflowFailedEvent struct {
	WorkflowID string    `json:"workflow_id"`
	FailedAt   time.Time `json:"failed_at"`
	Error      string    `json:"error"`
}

type WorkflowCancelledEvent struct {
	WorkflowID  string    `json:"workflow_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Task event payloads

type TaskAddedEvent struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	TaskType   string    `json:"task_type"`
	AgentType  *string   `json:"agent_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type TaskStartedEvent struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`
}

type TaskCompletedEvent struct {
	TaskID      string    `json:"task_id"`
	WorkflowID  string    `json:"workflow_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type TaskFailedEvent struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	FailedAt   time.Time `json:"failed_at"`
	Error      string    `json:"error"`
}

// EventTypeOf maps a payload struct to its event type name.
func EventTypeOf(event interface{}) (string, error) {
	switch event.(type) {
	case WorkflowCreatedEvent:
		return WorkflowCreated, nil
	case WorkflowStartedEvent:
		return WorkflowStarted, nil
	case WorkflowCompletedEvent:
		return WorkflowCompleted, nil
	case WorkflowFailedEvent:
		return WorkflowFailed, nil
	case WorkflowCancelledEvent:
		return WorkflowCancelled, nil
	case TaskAddedEvent:
		return TaskAdded, nil
	case TaskStartedEvent:
		return TaskStarted, nil
	case TaskCompletedEvent:
		return TaskCompleted, nil
	case TaskFailedEvent:
		return TaskFailed, nil
	default:
		return "", fmt.Errorf("unknown event type: %T", event)
	}
}

// DecodeEventData unmarshals a stored payload into its typed struct based on
// the event type name.
func DecodeEventData(eventType string, data []byte) (interface{}, error) {
	var (
		payload interface{}
		err     error
	)

	switch eventType {
	case WorkflowCreated:
		var p WorkflowCreatedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case WorkflowStarted:
		var p WorkflowStartedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case WorkflowCompleted:
		var p WorkflowCompletedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case WorkflowFailed:
		var p WorkflowFailedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case WorkflowCancelled:
		var p WorkflowCancelledEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case TaskAdded:
		var p TaskAddedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case TaskStarted:
		var p TaskStartedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case TaskCompleted:
		var p TaskCompletedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	case TaskFailed:
		var p TaskFailedEvent
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", eventType, err)
	}
	return payload, nil
}
