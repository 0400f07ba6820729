package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/models"
)

// GormEventStore implements EventStore using GORM. The connection must be
// opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
type GormEventStore struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

// NewGormEventStore creates a new GORM event store.
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// SetMetrics attaches a collector. Without one the store simply does not
// count.
func (s *GormEventStore) SetMetrics(collector *metrics.Metrics) {
	s.metrics = collector
}

func (s *GormEventStore) count(name string, delta int64) {
	if s.metrics != nil && delta != 0 {
		s.metrics.IncrCounter(name, delta)
	}
}

// Append appends a batch of events to a stream as one durable unit.
func (s *GormEventStore) Append(ctx context.Context, streamID, streamType string, events []domain.Event, expectedVersion *int64) (int64, error) {
	if len(events) == 0 {
		return s.GetStreamVersion(ctx, streamID)
	}

	var newVersion int64
	var appended, skipped int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, skipped = 0, 0
		var stream models.Stream
		streamExists := true
		if err := tx.Where("stream_id = ?", streamID).First(&stream).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(err, "failed to load stream metadata")
			}
			streamExists = false
		}
		current := stream.CurrentVersion

		if expectedVersion != nil && *expectedVersion != current {
			return &ConcurrencyConflictError{StreamID: streamID, Expected: *expectedVersion, Actual: current}
		}

		// Already-stored event ids are skipped so retried batches stay
		// idempotent.
		eventIDs := make([]string, 0, len(events))
		for i := range events {
			if events[i].EventID == "" {
				events[i].EventID = uuid.New().String()
			}
			eventIDs = append(eventIDs, events[i].EventID)
		}
		var existingIDs []string
		if err := tx.Model(&models.Event{}).
			Where("event_id IN ?", eventIDs).
			Pluck("event_id", &existingIDs).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to check for duplicate events")
		}
		existing := make(map[string]bool, len(existingIDs))
		for _, id := range existingIDs {
			existing[id] = true
		}

		sequence := current
		for _, event := range events {
			if existing[event.EventID] {
				log.Debug().
					Str("stream_id", streamID).
					Str("event_id", event.EventID).
					Msg("Skipping already-stored event")
				skipped++
				continue
			}

			data, err := marshalEventData(event.Data)
			if err != nil {
				return err
			}
			var metadata []byte
			if len(event.Metadata) > 0 {
				if metadata, err = json.Marshal(event.Metadata); err != nil {
					return pkgerrors.Wrap(err, "failed to marshal event metadata")
				}
			}

			timestamp := event.Timestamp
			if timestamp.IsZero() {
				timestamp = time.Now().UTC()
			}
			schemaVersion := event.SchemaVersion
			if schemaVersion == 0 {
				schemaVersion = domain.SchemaVersion
			}

			sequence++
			dbEvent := models.Event{
				EventID:        event.EventID,
				StreamID:       streamID,
				StreamType:     streamType,
				EventType:      event.Type,
				SchemaVersion:  schemaVersion,
				SequenceNumber: sequence,
				Data:           data,
				Metadata:       metadata,
				Timestamp:      timestamp,
				CorrelationID:  event.CorrelationID,
				CausationID:    event.CausationID,
			}
			if err := tx.Create(&dbEvent).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Another append claimed this sequence number first.
					return &ConcurrencyConflictError{StreamID: streamID, Expected: current, Actual: sequence}
				}
				return pkgerrors.Wrap(err, "failed to save event")
			}

			appended++
			log.Info().
				Str("stream_id", streamID).
				Str("event_type", event.Type).
				Int64("sequence", sequence).
				Msg("Event appended")
		}

		if sequence == current {
			// Whole batch was already present.
			newVersion = current
			return nil
		}

		now := time.Now().UTC()
		if streamExists {
			res := tx.Model(&models.Stream{}).
				Where("stream_id = ? AND current_version = ?", streamID, current).
				Updates(map[string]interface{}{"current_version": sequence, "updated_at": now})
			if res.Error != nil {
				return pkgerrors.Wrap(res.Error, "failed to update stream metadata")
			}
			if res.RowsAffected == 0 {
				return &ConcurrencyConflictError{StreamID: streamID, Expected: current, Actual: sequence}
			}
		} else {
			stream = models.Stream{
				StreamID:       streamID,
				StreamType:     streamType,
				CurrentVersion: sequence,
			}
			if err := tx.Create(&stream).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return &ConcurrencyConflictError{StreamID: streamID, Expected: current, Actual: sequence}
				}
				return pkgerrors.Wrap(err, "failed to create stream metadata")
			}
		}

		newVersion = sequence
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.count(metrics.ConcurrencyConflicts, 1)
		}
		return 0, err
	}

	s.count(metrics.EventsAppended, appended)
	s.count(metrics.DuplicateEvents, skipped)
	return newVersion, nil
}

// Save appends an aggregate's uncommitted events and clears them on success.
func (s *GormEventStore) Save(ctx context.Context, aggregate domain.Aggregate) (int64, error) {
	events := aggregate.GetUncommittedEvents()
	if len(events) == 0 {
		return aggregate.GetVersion(), nil
	}

	expected := aggregate.GetVersion() - int64(len(events))
	version, err := s.Append(ctx, aggregate.GetID(), aggregate.GetType(), events, &expected)
	if err != nil {
		return 0, err
	}

	aggregate.ClearEvents()
	return version, nil
}

// Read returns the events of one stream in sequence order.
func (s *GormEventStore) Read(ctx context.Context, streamID string, fromSequence, toSequence int64) ([]domain.Event, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}

	query := s.db.WithContext(ctx).
		Where("stream_id = ? AND sequence_number >= ?", streamID, fromSequence)
	if toSequence > 0 {
		query = query.Where("sequence_number <= ?", toSequence)
	}

	var dbEvents []models.Event
	if err := query.Order("sequence_number ASC").Find(&dbEvents).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read events")
	}

	return toDomainEvents(dbEvents), nil
}

// ReadAfterPosition is the catch-up subscription feed used by the projection
// engine.
func (s *GormEventStore) ReadAfterPosition(ctx context.Context, streamTypes []string, afterPosition int64, limit int) ([]domain.Event, error) {
	query := s.db.WithContext(ctx).Where("id > ?", afterPosition)
	if len(streamTypes) > 0 {
		query = query.Where("stream_type IN ?", streamTypes)
	}

	var dbEvents []models.Event
	if err := query.Order("id ASC").Limit(limit).Find(&dbEvents).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read events after position")
	}

	return toDomainEvents(dbEvents), nil
}

// GetStreamVersion returns the stream's current version, 0 for unknown
// streams.
func (s *GormEventStore) GetStreamVersion(ctx context.Context, streamID string) (int64, error) {
	var stream models.Stream
	if err := s.db.WithContext(ctx).Where("stream_id = ?", streamID).First(&stream).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(err, "failed to get stream version")
	}
	return stream.CurrentVersion, nil
}

func marshalEventData(data interface{}) ([]byte, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return d, nil
	case json.RawMessage:
		return d, nil
	default:
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to marshal event data")
		}
		return encoded, nil
	}
}

func toDomainEvents(dbEvents []models.Event) []domain.Event {
	events := make([]domain.Event, len(dbEvents))
	for i, dbEvent := range dbEvents {
		var metadata map[string]string
		if len(dbEvent.Metadata) > 0 {
			if err := json.Unmarshal(dbEvent.Metadata, &metadata); err != nil {
				log.Warn().Err(err).Str("event_id", dbEvent.EventID).Msg("Failed to unmarshal event metadata")
			}
		}
		events[i] = domain.Event{
			EventID:        dbEvent.EventID,
			StreamID:       dbEvent.StreamID,
			StreamType:     dbEvent.StreamType,
			Type:           dbEvent.EventType,
			SchemaVersion:  dbEvent.SchemaVersion,
			SequenceNumber: dbEvent.SequenceNumber,
			GlobalPosition: dbEvent.ID,
			Timestamp:      dbEvent.Timestamp,
			CorrelationID:  dbEvent.CorrelationID,
			CausationID:    dbEvent.CausationID,
			Data:           dbEvent.Data,
			Metadata:       metadata,
		}
	}
	return events
}
