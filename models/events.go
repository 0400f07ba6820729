package models

import (
	"time"
)

// Event represents a persisted domain event. The auto-increment ID doubles as
// the global position used by catch-up subscriptions: exact order within a
// stream, approximate order across streams.
type Event struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID        string    `gorm:"uniqueIndex" json:"event_id"`
	StreamID       string    `gorm:"index;uniqueIndex:idx_events_stream_seq" json:"stream_id"`
	StreamType     string    `gorm:"index" json:"stream_type"`
	EventType      string    `json:"event_type"`
	SchemaVersion  int       `json:"schema_version"`
	SequenceNumber int64     `gorm:"uniqueIndex:idx_events_stream_seq" json:"sequence_number"`
	Data           []byte    `json:"data"`
	Metadata       []byte    `json:"metadata"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  *string   `json:"correlation_id"`
	CausationID    *string   `json:"causation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stream holds per-stream metadata. CurrentVersion is the single source of
// truth consulted by the optimistic concurrency check on append.
type Stream struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	StreamID       string    `gorm:"uniqueIndex" json:"stream_id"`
	StreamType     string    `gorm:"index" json:"stream_type"`
	CurrentVersion int64     `json:"current_version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot is a serialized aggregate state captured at a specific stream
// version. Snapshots are an optimization, never authoritative.
type Snapshot struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	StreamID        string    `gorm:"index;uniqueIndex:idx_snapshots_stream_version" json:"stream_id"`
	SnapshotVersion int64     `gorm:"uniqueIndex:idx_snapshots_stream_version" json:"snapshot_version"`
	State           []byte    `json:"state"`
	Metadata        []byte    `json:"metadata"`
	CreatedAt       time.Time `json:"created_at"`
}

// Projection checkpoint statuses.
const (
	ProjectionStatusActive     = "active"
	ProjectionStatusPaused     = "paused"
	ProjectionStatusError      = "error"
	ProjectionStatusRebuilding = "rebuilding"
)

// ProjectionCheckpoint tracks how far a named projection has progressed.
// LastPosition always refers to an event that was actually applied to the
// read model; the two are committed in the same transaction.
type ProjectionCheckpoint struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ProjectionName string    `gorm:"uniqueIndex" json:"projection_name"`
	LastPosition   int64     `json:"last_position"`
	Status         string    `json:"status"`
	ErrorCount     int       `json:"error_count"`
	LastError      *string   `json:"last_error"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
