package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Aggregate is the interface for all event-sourced aggregates.
type Aggregate interface {
	GetID() string
	GetType() string
	GetVersion() int64
	GetUncommittedEvents() []Event
	ClearEvents()
	Apply(event interface{}) error
	Replay(event interface{}) error
}

// AggregateBase provides common aggregate functionality: version tracking and
// collection of uncommitted events.
type AggregateBase struct {
	id         string
	streamType string
	version    int64
	events     []Event
	applier    func(event interface{}) error
}

// NewAggregateBase creates a new aggregate base.
func NewAggregateBase(streamType string, applier func(interface{}) error) *AggregateBase {
	return &AggregateBase{
		id:         uuid.New().String(),
		streamType: streamType,
		version:    0,
		events:     []Event{},
		applier:    applier,
	}
}

// GetID returns the aggregate ID (the stream ID).
func (a *AggregateBase) GetID() string {
	return a.id
}

// SetID sets the aggregate ID.
func (a *AggregateBase) SetID(id string) {
	a.id = id
}

// GetType returns the stream type.
func (a *AggregateBase) GetType() string {
	return a.streamType
}

// GetVersion returns the aggregate version.
func (a *AggregateBase) GetVersion() int64 {
	return a.version
}

// SetVersion overrides the version, used when restoring from a snapshot.
func (a *AggregateBase) SetVersion(version int64) {
	a.version = version
}

// GetUncommittedEvents returns the events produced since the last save.
func (a *AggregateBase) GetUncommittedEvents() []Event {
	return a.events
}

// ClearEvents clears the uncommitted events.
func (a *AggregateBase) ClearEvents() {
	a.events = []Event{}
}

// Apply mutates the aggregate state and records a new uncommitted event.
func (a *AggregateBase) Apply(event interface{}) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}

	eventType, err := EventTypeOf(event)
	if err != nil {
		return err
	}

	if err := a.applier(event); err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	domainEvent := Event{
		EventID:        uuid.New().String(),
		StreamID:       a.id,
		StreamType:     a.streamType,
		Type:           eventType,
		SchemaVersion:  SchemaVersion,
		SequenceNumber: a.version + 1,
		Timestamp:      time.Now().UTC(),
		Data:           event,
	}

	a.events = append(a.events, domainEvent)
	a.version++

	return nil
}

// Replay mutates the aggregate state from a stored event without recording it
// as uncommitted. Used when rehydrating from the event store.
func (a *AggregateBase) Replay(event interface{}) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}

	if err := a.applier(event); err != nil {
		return fmt.Errorf("failed to replay event: %w", err)
	}

	a.version++
	return nil
}
