package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/handlers"
	"example.com/backstage/services/workflow/models"
	"example.com/backstage/services/workflow/readmodel"
)

const commandTimeout = 10 * time.Second

// EventResponse is one stored event in a workflow's history.
type EventResponse struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	GlobalPosition int64           `json:"global_position"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
}

// respondCommand maps a command outcome onto the HTTP surface. Concurrency
// conflicts return 409 with the stream's current version so the caller can
// reload and retry.
func respondCommand(c *gin.Context, result *handlers.CommandResult, err error) {
	if err == nil {
		c.JSON(http.StatusOK, result)
		return
	}

	var conflict *eventstore.ConcurrencyConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":           "version conflict",
			"expected":        conflict.Expected,
			"current_version": conflict.Actual,
		})
	case errors.Is(err, handlers.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
}

func commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), commandTimeout)
}

// createWorkflow creates a new workflow stream
func (s *Server) createWorkflow(c *gin.Context) {
	var cmd handlers.CreateWorkflowCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.CreateWorkflow(ctx, cmd)
	respondCommand(c, result, err)
}

// startWorkflow moves a workflow to running
func (s *Server) startWorkflow(c *gin.Context) {
	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.StartWorkflow(ctx, c.Param("id"))
	respondCommand(c, result, err)
}

// completeWorkflow marks a workflow as completed
func (s *Server) completeWorkflow(c *gin.Context) {
	var cmd handlers.CompleteWorkflowCommand
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.CompleteWorkflow(ctx, c.Param("id"), cmd)
	respondCommand(c, result, err)
}

// failWorkflow marks a workflow as failed
func (s *Server) failWorkflow(c *gin.Context) {
	var cmd handlers.FailCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.FailWorkflow(ctx, c.Param("id"), cmd)
	respondCommand(c, result, err)
}

// cancelWorkflow cancels a non-terminal workflow
func (s *Server) cancelWorkflow(c *gin.Context) {
	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.CancelWorkflow(ctx, c.Param("id"))
	respondCommand(c, result, err)
}

// addTask adds a child task to a workflow
func (s *Server) addTask(c *gin.Context) {
	var cmd handlers.AddTaskCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.AddTask(ctx, c.Param("id"), cmd)
	respondCommand(c, result, err)
}

// startTask moves a task to running
func (s *Server) startTask(c *gin.Context) {
	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.StartTask(ctx, c.Param("id"), c.Param("taskID"))
	respondCommand(c, result, err)
}

// completeTask marks a task as completed
func (s *Server) completeTask(c *gin.Context) {
	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.CompleteTask(ctx, c.Param("id"), c.Param("taskID"))
	respondCommand(c, result, err)
}

// failTask marks a task as failed
func (s *Server) failTask(c *gin.Context) {
	var cmd handlers.FailCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := commandContext(c)
	defer cancel()

	result, err := s.workflowHandler.FailTask(ctx, c.Param("id"), c.Param("taskID"), cmd)
	respondCommand(c, result, err)
}

// listWorkflows returns a filtered, paged workflow listing
func (s *Server) listWorkflows(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	params := readmodel.ListParams{
		Status:    c.Query("status"),
		Search:    c.Query("search"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
		Page:      page,
		PageSize:  pageSize,
	}

	result, err := s.readModels.ListWorkflows(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// getWorkflow returns one workflow read model with its tasks
func (s *Server) getWorkflow(c *gin.Context) {
	workflow, err := s.readModels.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, readmodel.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, workflow)
}

// listTasks returns the tasks of one workflow
func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.readModels.ListTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, readmodel.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// getWorkflowHistory returns the raw event history of one stream
func (s *Server) getWorkflowHistory(c *gin.Context) {
	var events []models.Event
	err := s.db.WithContext(c.Request.Context()).
		Where("stream_id = ?", c.Param("id")).
		Order("sequence_number ASC").
		Find(&events).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}

	history := make([]EventResponse, 0, len(events))
	for _, event := range events {
		history = append(history, EventResponse{
			EventID:        event.EventID,
			EventType:      event.EventType,
			SequenceNumber: event.SequenceNumber,
			GlobalPosition: event.ID,
			Timestamp:      event.Timestamp,
			Data:           json.RawMessage(event.Data),
		})
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": c.Param("id"), "events": history})
}

// getStats returns the current workflow statistics snapshot
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Current())
}

// getMetrics returns the in-process metrics snapshot
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetSnapshot())
}
