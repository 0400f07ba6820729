package projections

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/models"
)

// Projection is one independently checkpointed consumer of the event log.
// Apply must be idempotent (upserts, not increments) so replays after a crash
// or rebuild converge to the same read model.
type Projection interface {
	Name() string
	StreamTypes() []string
	Apply(ctx context.Context, tx *gorm.DB, event domain.Event) error
	Reset(ctx context.Context, tx *gorm.DB) error
}

// CommitObserver is implemented by projections with post-commit side effects
// such as cache invalidation or search indexing. EventCommitted runs after
// the event's transaction and checkpoint advance are durable, so an observer
// never acts on state that was rolled back.
type CommitObserver interface {
	EventCommitted(ctx context.Context, db *gorm.DB, event domain.Event)
}

// ErrUnknownProjection is returned when an admin action names a projection
// that is not registered.
var ErrUnknownProjection = pkgerrors.New("unknown projection")

// ProjectionApplyError wraps a failed state transition. The projection that
// raised it stops advancing; others are unaffected.
type ProjectionApplyError struct {
	Projection string
	Position   int64
	Err        error
}

func (e *ProjectionApplyError) Error() string {
	return fmt.Sprintf("projection %s failed at position %d: %v", e.Projection, e.Position, e.Err)
}

func (e *ProjectionApplyError) Unwrap() error {
	return e.Err
}

// Engine runs the catch-up loop of every registered projection as an
// independent background task. A stalled projection only delays its own read
// model; appends are never blocked.
type Engine struct {
	db          *gorm.DB
	store       eventstore.EventStore
	metrics     *metrics.Metrics
	projections []Projection
	byName      map[string]Projection
	batchSize   int
	interval    time.Duration
}

// NewEngine creates a projection engine.
func NewEngine(db *gorm.DB, store eventstore.EventStore, collector *metrics.Metrics, batchSize int, interval time.Duration) *Engine {
	if batchSize < 1 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		db:        db,
		store:     store,
		metrics:   collector,
		byName:    make(map[string]Projection),
		batchSize: batchSize,
		interval:  interval,
	}
}

// Register adds a projection to the engine. Must be called before Run.
func (e *Engine) Register(p Projection) {
	e.projections = append(e.projections, p)
	e.byName[p.Name()] = p
}

// Run starts one catch-up loop per projection and blocks until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range e.projections {
		wg.Add(1)
		go func(p Projection) {
			defer wg.Done()
			e.loop(ctx, p)
		}(p)
	}
	wg.Wait()
	return nil
}

func (e *Engine) loop(ctx context.Context, p Projection) {
	log.Info().Str("projection", p.Name()).Msg("Starting projection catch-up loop")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.CatchUp(ctx, p); err != nil {
				log.Error().Err(err).Str("projection", p.Name()).Msg("Projection catch-up failed")
			}
		case <-ctx.Done():
			log.Info().Str("projection", p.Name()).Msg("Stopping projection catch-up loop")
			return
		}
	}
}

// CatchUp reads events past the projection's checkpoint and applies them.
// Each event's read-model mutation and the checkpoint advance commit in one
// transaction, so a crash in between cannot skip or double-apply an event.
func (e *Engine) CatchUp(ctx context.Context, p Projection) error {
	checkpoint, err := e.loadCheckpoint(ctx, p.Name())
	if err != nil {
		return err
	}
	if checkpoint.Status == models.ProjectionStatusPaused || checkpoint.Status == models.ProjectionStatusError {
		return nil
	}

	for {
		events, err := e.store.ReadAfterPosition(ctx, p.StreamTypes(), checkpoint.LastPosition, e.batchSize)
		if err != nil {
			return err
		}

		for _, event := range events {
			applyErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := p.Apply(ctx, tx, event); err != nil {
					return err
				}
				return tx.Model(&models.ProjectionCheckpoint{}).
					Where("projection_name = ?", p.Name()).
					Updates(map[string]interface{}{
						"last_position": event.GlobalPosition,
						"updated_at":    time.Now().UTC(),
					}).Error
			})
			if applyErr != nil {
				e.recordError(ctx, p.Name(), applyErr)
				if e.metrics != nil {
					e.metrics.IncrCounter(metrics.ProjectionErrors, 1)
				}
				return &ProjectionApplyError{Projection: p.Name(), Position: event.GlobalPosition, Err: applyErr}
			}

			checkpoint.LastPosition = event.GlobalPosition
			if e.metrics != nil {
				e.metrics.IncrCounter(metrics.ProjectionApplies, 1)
			}
			if observer, ok := p.(CommitObserver); ok {
				observer.EventCommitted(ctx, e.db, event)
			}
		}

		if e.metrics != nil {
			e.metrics.SetGauge("projection_position:"+p.Name(), checkpoint.LastPosition)
		}

		if len(events) < e.batchSize {
			// Caught up to the head.
			if checkpoint.Status == models.ProjectionStatusRebuilding {
				if err := e.setStatus(ctx, p.Name(), models.ProjectionStatusActive); err != nil {
					return err
				}
				log.Info().Str("projection", p.Name()).Msg("Projection rebuild complete")
			}
			return nil
		}
	}
}

// Pause stops a projection from advancing; its checkpoint is kept.
func (e *Engine) Pause(ctx context.Context, name string) error {
	if _, ok := e.byName[name]; !ok {
		return pkgerrors.Wrap(ErrUnknownProjection, name)
	}
	return e.setStatus(ctx, name, models.ProjectionStatusPaused)
}

// Resume reactivates a paused or errored projection; catch-up continues from
// the failed position.
func (e *Engine) Resume(ctx context.Context, name string) error {
	if _, ok := e.byName[name]; !ok {
		return pkgerrors.Wrap(ErrUnknownProjection, name)
	}
	return e.setStatus(ctx, name, models.ProjectionStatusActive)
}

// Rebuild wipes a projection's read models and resets its checkpoint to zero.
// Safe because transitions are idempotent upserts.
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	p, ok := e.byName[name]
	if !ok {
		return pkgerrors.Wrap(ErrUnknownProjection, name)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.Reset(ctx, tx); err != nil {
			return pkgerrors.Wrap(err, "failed to reset read models")
		}
		return tx.Model(&models.ProjectionCheckpoint{}).
			Where("projection_name = ?", name).
			Updates(map[string]interface{}{
				"last_position": 0,
				"status":        models.ProjectionStatusRebuilding,
				"error_count":   0,
				"last_error":    nil,
				"updated_at":    time.Now().UTC(),
			}).Error
	})
}

// ListCheckpoints returns all projection checkpoints.
func (e *Engine) ListCheckpoints(ctx context.Context) ([]models.ProjectionCheckpoint, error) {
	var checkpoints []models.ProjectionCheckpoint
	if err := e.db.WithContext(ctx).Order("projection_name ASC").Find(&checkpoints).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list checkpoints")
	}
	return checkpoints, nil
}

func (e *Engine) loadCheckpoint(ctx context.Context, name string) (*models.ProjectionCheckpoint, error) {
	checkpoint := models.ProjectionCheckpoint{
		ProjectionName: name,
		Status:         models.ProjectionStatusActive,
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "projection_name"}},
			DoNothing: true,
		}).
		Create(&checkpoint).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to ensure checkpoint")
	}

	var current models.ProjectionCheckpoint
	if err := e.db.WithContext(ctx).Where("projection_name = ?", name).First(&current).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load checkpoint")
	}
	return &current, nil
}

func (e *Engine) setStatus(ctx context.Context, name, status string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == models.ProjectionStatusActive {
		updates["last_error"] = nil
	}
	err := e.db.WithContext(ctx).Model(&models.ProjectionCheckpoint{}).
		Where("projection_name = ?", name).
		Updates(updates).Error
	return pkgerrors.Wrap(err, "failed to update checkpoint status")
}

func (e *Engine) recordError(ctx context.Context, name string, applyErr error) {
	errMsg := applyErr.Error()
	err := e.db.WithContext(ctx).Model(&models.ProjectionCheckpoint{}).
		Where("projection_name = ?", name).
		Updates(map[string]interface{}{
			"status":      models.ProjectionStatusError,
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  &errMsg,
			"updated_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		log.Error().Err(err).Str("projection", name).Msg("Failed to record projection error")
	}
}
