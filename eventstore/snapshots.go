package eventstore

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/workflow/models"
)

// SnapshotStore persists aggregate state captures keyed by stream and
// version. Snapshots only bound replay cost; the event log stays
// authoritative.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save inserts a snapshot. A duplicate (stream_id, snapshot_version) is
// silently ignored so retried writes stay idempotent.
func (s *SnapshotStore) Save(ctx context.Context, streamID string, version int64, state, metadata []byte) error {
	snapshot := models.Snapshot{
		StreamID:        streamID,
		SnapshotVersion: version,
		State:           state,
		Metadata:        metadata,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}, {Name: "snapshot_version"}},
			DoNothing: true,
		}).
		Create(&snapshot).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to save snapshot")
	}
	return nil
}

// LoadLatest returns the newest snapshot for a stream, optionally at or below
// a given version. Returns nil when no applicable snapshot exists.
func (s *SnapshotStore) LoadLatest(ctx context.Context, streamID string, atOrBelowVersion *int64) (*models.Snapshot, error) {
	query := s.db.WithContext(ctx).Where("stream_id = ?", streamID)
	if atOrBelowVersion != nil {
		query = query.Where("snapshot_version <= ?", *atOrBelowVersion)
	}

	var snapshot models.Snapshot
	if err := query.Order("snapshot_version DESC").First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(err, "failed to load snapshot")
	}
	return &snapshot, nil
}
