package models

import (
	"time"
)

// LegacyWorkflow is a row from the pre-event-sourcing workflow table. It is
// read by the backfill engine and never written to by the service itself.
type LegacyWorkflow struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	WorkflowID   string     `gorm:"uniqueIndex" json:"workflow_id"`
	Name         string     `json:"name"`
	Query        string     `json:"query"`
	Methodology  *string    `json:"methodology"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage *string    `json:"error_message"`
}

// TableName keeps the legacy table name distinct from the read-model tables.
func (LegacyWorkflow) TableName() string {
	return "legacy_workflows"
}

// LegacyTask is a row from the pre-event-sourcing task table.
type LegacyTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TaskID       string     `gorm:"uniqueIndex" json:"task_id"`
	WorkflowID   string     `gorm:"index" json:"workflow_id"`
	TaskType     string     `json:"task_type"`
	AgentType    *string    `json:"agent_type"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage *string    `json:"error_message"`
}

func (LegacyTask) TableName() string {
	return "legacy_tasks"
}
