package models

import (
	"time"

	"gorm.io/gorm"
)

// Workflow is the denormalized workflow read model. It is written only by the
// projection engine, never by command handlers.
type Workflow struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	WorkflowID         string         `gorm:"uniqueIndex" json:"workflow_id"`
	Name               string         `json:"name"`
	Query              string         `json:"query"`
	Methodology        *string        `json:"methodology"`
	Status             string         `gorm:"index" json:"status"`
	StartedAt          *time.Time     `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	ErrorMessage       *string        `json:"error_message"`
	TotalTasks         int64          `json:"total_tasks"`
	CompletedTasks     int64          `json:"completed_tasks"`
	FailedTasks        int64          `json:"failed_tasks"`
	ProgressPercentage float64        `json:"progress_percentage"`
	DurationSeconds    *int64         `json:"duration_seconds"`
	Tags               []byte         `json:"tags"`
	Tasks              []Task         `gorm:"foreignKey:WorkflowID;references:WorkflowID" json:"tasks"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// Task is the denormalized task read model, one row per child task.
type Task struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TaskID          string         `gorm:"uniqueIndex" json:"task_id"`
	WorkflowID      string         `gorm:"index" json:"workflow_id"`
	TaskType        string         `json:"task_type"`
	AgentType       *string        `json:"agent_type"`
	Status          string         `gorm:"index" json:"status"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	ErrorMessage    *string        `json:"error_message"`
	DurationSeconds *int64         `json:"duration_seconds"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}
