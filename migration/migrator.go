package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/models"
)

// Engine converts legacy row-based workflow records into event histories,
// appending through the same event store path as live traffic. It runs once;
// re-running skips streams that already exist because the legacy id doubles
// as the stream id and every append expects version 0.
type Engine struct {
	db        *gorm.DB
	store     eventstore.EventStore
	metrics   *metrics.Metrics
	batchSize int
}

// NewEngine creates a migration engine.
func NewEngine(db *gorm.DB, store eventstore.EventStore, collector *metrics.Metrics) *Engine {
	return &Engine{
		db:        db,
		store:     store,
		metrics:   collector,
		batchSize: 200,
	}
}

// RecordFailure identifies one legacy record that could not be converted.
type RecordFailure struct {
	WorkflowID string `json:"workflow_id"`
	Error      string `json:"error"`
}

// RunContext carries the progress of one migration run. It is threaded
// through explicitly so concurrent runs and tests do not interfere.
type RunContext struct {
	StartedAt         time.Time
	WorkflowsMigrated int
	WorkflowsSkipped  int
	EventsAppended    int64
	Failures          []RecordFailure
}

// Report is the end-of-run summary.
type Report struct {
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       time.Time       `json:"completed_at"`
	WorkflowsMigrated int             `json:"workflows_migrated"`
	WorkflowsSkipped  int             `json:"workflows_skipped"`
	EventsAppended    int64           `json:"events_appended"`
	Failures          []RecordFailure `json:"failures"`
}

func (r *RunContext) report() *Report {
	return &Report{
		StartedAt:         r.StartedAt,
		CompletedAt:       time.Now().UTC(),
		WorkflowsMigrated: r.WorkflowsMigrated,
		WorkflowsSkipped:  r.WorkflowsSkipped,
		EventsAppended:    r.EventsAppended,
		Failures:          r.Failures,
	}
}

// Run backs up the legacy tables and converts every legacy workflow. A single
// record's failure is logged and reported but never aborts the run.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if err := e.Backup(ctx); err != nil {
		return nil, err
	}

	run := &RunContext{StartedAt: time.Now().UTC()}

	var batch []models.LegacyWorkflow
	result := e.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		FindInBatches(&batch, e.batchSize, func(_ *gorm.DB, _ int) error {
			for _, legacy := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				e.migrateWorkflow(ctx, run, legacy)
			}
			return nil
		})
	if result.Error != nil {
		return run.report(), pkgerrors.Wrap(result.Error, "migration run aborted")
	}

	report := run.report()
	if e.metrics != nil {
		e.metrics.RecordDuration("migration_run", report.CompletedAt.Sub(report.StartedAt))
	}
	log.Info().
		Int("migrated", report.WorkflowsMigrated).
		Int("skipped", report.WorkflowsSkipped).
		Int64("events", report.EventsAppended).
		Int("failures", len(report.Failures)).
		Msg("Migration run complete")
	return report, nil
}

func (e *Engine) migrateWorkflow(ctx context.Context, run *RunContext, legacy models.LegacyWorkflow) {
	var tasks []models.LegacyTask
	err := e.db.WithContext(ctx).
		Where("workflow_id = ?", legacy.WorkflowID).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error
	if err != nil {
		e.recordFailure(run, legacy.WorkflowID, pkgerrors.Wrap(err, "failed to load legacy tasks"))
		return
	}

	events, err := buildEvents(legacy, tasks)
	if err != nil {
		e.recordFailure(run, legacy.WorkflowID, err)
		return
	}

	expectedVersion := int64(0)
	_, err = e.store.Append(ctx, legacy.WorkflowID, domain.StreamTypeWorkflow, events, &expectedVersion)
	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			// Stream already exists: this record was migrated by an earlier
			// run.
			run.WorkflowsSkipped++
			return
		}
		e.recordFailure(run, legacy.WorkflowID, err)
		return
	}

	run.WorkflowsMigrated++
	run.EventsAppended += int64(len(events))
	if e.metrics != nil {
		e.metrics.IncrCounter(metrics.MigratedStreams, 1)
	}
}

func (e *Engine) recordFailure(run *RunContext, workflowID string, err error) {
	log.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to migrate legacy workflow")
	run.Failures = append(run.Failures, RecordFailure{WorkflowID: workflowID, Error: err.Error()})
}

// timedEvent pairs a synthesized payload with its timestamp and a causal
// order index used as the sort tie-break.
type timedEvent struct {
	at      time.Time
	order   int
	kind    string
	payload interface{}
}

// buildEvents synthesizes a deterministic, causally ordered event history
// from a legacy record's non-null lifecycle timestamps. Creation comes first;
// task events interleave with the workflow's own by timestamp.
func buildEvents(legacy models.LegacyWorkflow, tasks []models.LegacyTask) ([]domain.Event, error) {
	order := 0
	next := func() int { order++; return order }

	candidates := []timedEvent{{
		at:    legacy.CreatedAt,
		order: next(),
		kind:  "created",
		payload: domain.WorkflowCreatedEvent{
			WorkflowID:  legacy.WorkflowID,
			Name:        legacy.Name,
			Query:       legacy.Query,
			Methodology: legacy.Methodology,
			CreatedAt:   legacy.CreatedAt,
		},
	}}

	if legacy.StartedAt != nil {
		candidates = append(candidates, timedEvent{
			at:    *legacy.StartedAt,
			order: next(),
			kind:  "started",
			payload: domain.WorkflowStartedEvent{
				WorkflowID: legacy.WorkflowID,
				StartedAt:  *legacy.StartedAt,
			},
		})
	}

	for _, task := range tasks {
		taskEvents, err := buildTaskEvents(legacy.WorkflowID, task, next)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, taskEvents...)
	}

	terminal, err := buildTerminalEvent(legacy, next)
	if err != nil {
		return nil, err
	}
	if terminal != nil {
		candidates = append(candidates, *terminal)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].order < candidates[j].order
		}
		return candidates[i].at.Before(candidates[j].at)
	})

	events := make([]domain.Event, 0, len(candidates))
	for _, candidate := range candidates {
		eventType, err := domain.EventTypeOf(candidate.payload)
		if err != nil {
			return nil, err
		}
		events = append(events, domain.Event{
			// Deterministic ids keep interrupted or repeated runs from
			// duplicating events.
			EventID:   deterministicEventID(legacy.WorkflowID, candidate.kind),
			StreamID:  legacy.WorkflowID,
			Type:      eventType,
			Timestamp: candidate.at,
			Data:      candidate.payload,
		})
	}
	return events, nil
}

func buildTaskEvents(workflowID string, task models.LegacyTask, next func() int) ([]timedEvent, error) {
	events := []timedEvent{{
		at:    task.CreatedAt,
		order: next(),
		kind:  "task:" + task.TaskID + ":added",
		payload: domain.TaskAddedEvent{
			TaskID:     task.TaskID,
			WorkflowID: workflowID,
			TaskType:   task.TaskType,
			AgentType:  task.AgentType,
			CreatedAt:  task.CreatedAt,
		},
	}}

	if task.StartedAt != nil {
		events = append(events, timedEvent{
			at:    *task.StartedAt,
			order: next(),
			kind:  "task:" + task.TaskID + ":started",
			payload: domain.TaskStartedEvent{
				TaskID:     task.TaskID,
				WorkflowID: workflowID,
				StartedAt:  *task.StartedAt,
			},
		})
	}

	switch task.Status {
	case domain.StatusCompleted:
		if task.CompletedAt == nil {
			return nil, fmt.Errorf("legacy task %s is completed but has no completion time", task.TaskID)
		}
		events = append(events, timedEvent{
			at:    *task.CompletedAt,
			order: next(),
			kind:  "task:" + task.TaskID + ":completed",
			payload: domain.TaskCompletedEvent{
				TaskID:      task.TaskID,
				WorkflowID:  workflowID,
				CompletedAt: *task.CompletedAt,
			},
		})
	case domain.StatusFailed:
		if task.CompletedAt == nil {
			return nil, fmt.Errorf("legacy task %s is failed but has no completion time", task.TaskID)
		}
		errMsg := ""
		if task.ErrorMessage != nil {
			errMsg = *task.ErrorMessage
		}
		events = append(events, timedEvent{
			at:    *task.CompletedAt,
			order: next(),
			kind:  "task:" + task.TaskID + ":failed",
			payload: domain.TaskFailedEvent{
				TaskID:     task.TaskID,
				WorkflowID: workflowID,
				FailedAt:   *task.CompletedAt,
				Error:      errMsg,
			},
		})
	}

	return events, nil
}

func buildTerminalEvent(legacy models.LegacyWorkflow, next func() int) (*timedEvent, error) {
	if !domain.IsTerminalStatus(legacy.Status) {
		return nil, nil
	}
	if legacy.CompletedAt == nil {
		return nil, fmt.Errorf("legacy workflow %s is %s but has no completion time", legacy.WorkflowID, legacy.Status)
	}

	at := *legacy.CompletedAt
	event := timedEvent{at: at, order: next(), kind: legacy.Status}
	switch legacy.Status {
	case domain.StatusCompleted:
		event.payload = domain.WorkflowCompletedEvent{WorkflowID: legacy.WorkflowID, CompletedAt: at}
	case domain.StatusFailed:
		errMsg := ""
		if legacy.ErrorMessage != nil {
			errMsg = *legacy.ErrorMessage
		}
		event.payload = domain.WorkflowFailedEvent{WorkflowID: legacy.WorkflowID, FailedAt: at, Error: errMsg}
	case domain.StatusCancelled:
		event.payload = domain.WorkflowCancelledEvent{WorkflowID: legacy.WorkflowID, CancelledAt: at}
	}
	return &event, nil
}

func deterministicEventID(workflowID, kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("workflow-migration:"+workflowID+":"+kind)).String()
}
