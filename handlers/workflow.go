package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/messaging"
	"example.com/backstage/services/workflow/tracing"
)

// ErrWorkflowNotFound is returned when a command targets a stream with no
// events.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowHandler executes workflow commands against the event store. Every
// command rehydrates the aggregate, validates the transition, appends the new
// events and publishes them downstream.
type WorkflowHandler struct {
	store     eventstore.EventStore
	snapshots *eventstore.SnapshotStore
	publisher *messaging.Publisher
	tracer    tracing.Tracer
}

// NewWorkflowHandler creates a workflow command handler.
func NewWorkflowHandler(store eventstore.EventStore, snapshots *eventstore.SnapshotStore, publisher *messaging.Publisher, tracer tracing.Tracer) *WorkflowHandler {
	return &WorkflowHandler{
		store:     store,
		snapshots: snapshots,
		publisher: publisher,
		tracer:    tracer,
	}
}

// CreateWorkflowCommand starts a new workflow stream.
type CreateWorkflowCommand struct {
	WorkflowID  string   `json:"workflow_id"`
	Name        string   `json:"name" binding:"required"`
	Query       string   `json:"query" binding:"required"`
	Methodology *string  `json:"methodology"`
	Tags        []string `json:"tags"`
}

// AddTaskCommand adds a child task to an existing workflow.
type AddTaskCommand struct {
	TaskID    string  `json:"task_id"`
	TaskType  string  `json:"task_type" binding:"required"`
	AgentType *string `json:"agent_type"`
}

// FailCommand carries the error message for a workflow or task failure.
type FailCommand struct {
	Error string `json:"error" binding:"required"`
}

// CompleteWorkflowCommand carries optional results for a completion.
type CompleteWorkflowCommand struct {
	Results map[string]interface{} `json:"results"`
}

// CommandResult reports the stream state after a successful command.
type CommandResult struct {
	WorkflowID string `json:"workflow_id"`
	Version    int64  `json:"version"`
}

// CreateWorkflow creates a new workflow. A missing id is generated. Creating
// an id that already has a stream surfaces as a concurrency conflict.
func (h *WorkflowHandler) CreateWorkflow(ctx context.Context, cmd CreateWorkflowCommand) (*CommandResult, error) {
	if cmd.WorkflowID == "" {
		cmd.WorkflowID = uuid.New().String()
	}

	aggregate := domain.NewWorkflowAggregate(cmd.WorkflowID)
	if err := aggregate.Create(cmd.Name, cmd.Query, cmd.Methodology, cmd.Tags, time.Now().UTC()); err != nil {
		return nil, err
	}
	return h.commit(ctx, aggregate)
}

// StartWorkflow moves a workflow to running.
func (h *WorkflowHandler) StartWorkflow(ctx context.Context, workflowID string) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.Start(time.Now().UTC())
	})
}

// CompleteWorkflow marks a running workflow as completed.
func (h *WorkflowHandler) CompleteWorkflow(ctx context.Context, workflowID string, cmd CompleteWorkflowCommand) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.Complete(cmd.Results, time.Now().UTC())
	})
}

// FailWorkflow marks a running workflow as failed.
func (h *WorkflowHandler) FailWorkflow(ctx context.Context, workflowID string, cmd FailCommand) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.Fail(cmd.Error, time.Now().UTC())
	})
}

// CancelWorkflow cancels a non-terminal workflow.
func (h *WorkflowHandler) CancelWorkflow(ctx context.Context, workflowID string) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.Cancel(time.Now().UTC())
	})
}

// AddTask adds a child task. A missing task id is generated.
func (h *WorkflowHandler) AddTask(ctx context.Context, workflowID string, cmd AddTaskCommand) (*CommandResult, error) {
	if cmd.TaskID == "" {
		cmd.TaskID = uuid.New().String()
	}
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.AddTask(cmd.TaskID, cmd.TaskType, cmd.AgentType, time.Now().UTC())
	})
}

// StartTask moves a task to running.
func (h *WorkflowHandler) StartTask(ctx context.Context, workflowID, taskID string) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.StartTask(taskID, time.Now().UTC())
	})
}

// CompleteTask marks a running task as completed.
func (h *WorkflowHandler) CompleteTask(ctx context.Context, workflowID, taskID string) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.CompleteTask(taskID, time.Now().UTC())
	})
}

// FailTask marks a running task as failed.
func (h *WorkflowHandler) FailTask(ctx context.Context, workflowID, taskID string, cmd FailCommand) (*CommandResult, error) {
	return h.execute(ctx, workflowID, func(aggregate *domain.WorkflowAggregate) error {
		return aggregate.FailTask(taskID, cmd.Error, time.Now().UTC())
	})
}

// execute rehydrates the aggregate, runs the command and commits the new
// events. The expected version captured at rehydration makes conflicting
// concurrent commands fail instead of interleaving.
func (h *WorkflowHandler) execute(ctx context.Context, workflowID string, command func(*domain.WorkflowAggregate) error) (*CommandResult, error) {
	txn := newrelic.FromContext(ctx)
	segment := h.tracer.StartSegment("workflow.command", txn)
	defer segment.End()

	aggregate, err := eventstore.LoadWorkflowAggregate(ctx, h.store, h.snapshots, workflowID)
	if err != nil {
		return nil, err
	}
	if aggregate.GetVersion() == 0 {
		return nil, ErrWorkflowNotFound
	}

	if err := command(aggregate); err != nil {
		return nil, err
	}
	return h.commit(ctx, aggregate)
}

func (h *WorkflowHandler) commit(ctx context.Context, aggregate *domain.WorkflowAggregate) (*CommandResult, error) {
	pending := aggregate.GetUncommittedEvents()

	version, err := h.store.Save(ctx, aggregate)
	if err != nil {
		h.tracer.RecordError(newrelic.FromContext(ctx), err)
		return nil, err
	}

	// Persisted events are published best effort. Projections read the store
	// directly, so a publish failure never loses data.
	if err := h.publisher.PublishEvents(ctx, pending); err != nil {
		log.Warn().Err(err).Str("workflow_id", aggregate.GetID()).Msg("Failed to publish workflow events")
	}

	return &CommandResult{WorkflowID: aggregate.GetID(), Version: version}, nil
}
