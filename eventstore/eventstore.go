package eventstore

import (
	"context"
	"errors"
	"fmt"

	"example.com/backstage/services/workflow/domain"
)

// ErrConcurrencyConflict is the sentinel matched by errors.Is when an append
// loses an optimistic concurrency race. Callers recover by re-reading the
// stream version and retrying.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ConcurrencyConflictError carries the versions involved in a conflict.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// EventStore is the interface for the append-only event log.
type EventStore interface {
	// Append appends events to a stream with optimistic concurrency control.
	// A nil expectedVersion skips the version check. Events whose event_id is
	// already stored are skipped (idempotent retry safety). Returns the new
	// stream version.
	Append(ctx context.Context, streamID, streamType string, events []domain.Event, expectedVersion *int64) (int64, error)

	// Save appends an aggregate's uncommitted events, using the version the
	// aggregate was loaded at as the expected version, and clears them on
	// success.
	Save(ctx context.Context, aggregate domain.Aggregate) (int64, error)

	// Read returns a stream's events with sequence numbers in
	// [fromSequence, toSequence], ordered. toSequence <= 0 means no upper
	// bound.
	Read(ctx context.Context, streamID string, fromSequence, toSequence int64) ([]domain.Event, error)

	// ReadAfterPosition returns up to limit events across the given stream
	// types with a global position greater than afterPosition, ordered by
	// position. This is the catch-up subscription feed: per-stream order is
	// exact, cross-stream interleaving is approximate insertion order.
	ReadAfterPosition(ctx context.Context, streamTypes []string, afterPosition int64, limit int) ([]domain.Event, error)

	// GetStreamVersion returns the current version of a stream, 0 for
	// unknown streams.
	GetStreamVersion(ctx context.Context, streamID string) (int64, error)
}
