package eventstore

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/metrics"
)

// Snapshotter periodically snapshots streams whose version has advanced past
// the configured frequency since their last snapshot. Writes are best-effort
// and off the append critical path: a lost snapshot only degrades replay
// performance.
type Snapshotter struct {
	db        *gorm.DB
	store     EventStore
	snapshots *SnapshotStore
	frequency int64
	interval  time.Duration
	metrics   *metrics.Metrics
}

// NewSnapshotter creates a snapshotter.
func NewSnapshotter(db *gorm.DB, store EventStore, snapshots *SnapshotStore, frequency int64, interval time.Duration) *Snapshotter {
	if frequency < 1 {
		frequency = 100
	}
	return &Snapshotter{
		db:        db,
		store:     store,
		snapshots: snapshots,
		frequency: frequency,
		interval:  interval,
	}
}

// SetMetrics attaches a metrics collector.
func (s *Snapshotter) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Run snapshots due streams on an interval until the context is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Snapshot pass failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type dueStream struct {
	StreamID        string
	CurrentVersion  int64
	SnapshotVersion int64
}

// RunOnce snapshots every workflow stream that is due.
func (s *Snapshotter) RunOnce(ctx context.Context) error {
	var due []dueStream
	err := s.db.WithContext(ctx).Raw(`
		SELECT s.stream_id AS stream_id,
		       s.current_version AS current_version,
		       COALESCE(MAX(sn.snapshot_version), 0) AS snapshot_version
		FROM streams s
		LEFT JOIN snapshots sn ON sn.stream_id = s.stream_id
		WHERE s.stream_type = ?
		GROUP BY s.stream_id, s.current_version
		HAVING s.current_version - COALESCE(MAX(sn.snapshot_version), 0) >= ?`,
		domain.StreamTypeWorkflow, s.frequency).
		Scan(&due).Error
	if err != nil {
		return pkgerrors.Wrap(err, "failed to find streams due for snapshot")
	}

	for _, stream := range due {
		if err := s.snapshotStream(ctx, stream.StreamID); err != nil {
			log.Error().Err(err).Str("stream_id", stream.StreamID).Msg("Failed to snapshot stream")
			continue
		}
		if s.metrics != nil {
			s.metrics.IncrCounter(metrics.SnapshotsCreated, 1)
		}
		log.Info().
			Str("stream_id", stream.StreamID).
			Int64("version", stream.CurrentVersion).
			Msg("Snapshot created")
	}

	return nil
}

func (s *Snapshotter) snapshotStream(ctx context.Context, streamID string) error {
	aggregate, err := LoadWorkflowAggregate(ctx, s.store, s.snapshots, streamID)
	if err != nil {
		return err
	}

	state, err := aggregate.MarshalState()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal aggregate state")
	}

	return s.snapshots.Save(ctx, streamID, aggregate.GetVersion(), state, nil)
}
