package readmodel

import (
	"context"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/cache"
	"example.com/backstage/services/workflow/domain"
	"example.com/backstage/services/workflow/models"
)

// Stats is an aggregate view over all workflow read models.
type Stats struct {
	TotalWorkflows     int64            `json:"total_workflows"`
	CountsByStatus     map[string]int64 `json:"counts_by_status"`
	SuccessRate        float64          `json:"success_rate"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
	RefreshedAt        time.Time        `json:"refreshed_at"`
}

// StatsProvider recomputes workflow statistics on a schedule and serves the
// last complete result. Readers always get a fully built snapshot, never a
// partially refreshed one.
type StatsProvider struct {
	db      *gorm.DB
	cache   *cache.RedisCache
	current atomic.Value
}

// NewStatsProvider creates a stats provider with an empty initial snapshot.
func NewStatsProvider(db *gorm.DB, redisCache *cache.RedisCache) *StatsProvider {
	p := &StatsProvider{
		db:    db,
		cache: redisCache,
	}
	p.current.Store(&Stats{
		CountsByStatus: map[string]int64{},
		RefreshedAt:    time.Time{},
	})
	return p
}

// Current returns the most recently computed snapshot.
func (p *StatsProvider) Current() *Stats {
	return p.current.Load().(*Stats)
}

// Refresh recomputes the statistics from the read models and swaps the
// snapshot in. The previous snapshot keeps serving readers until the new one
// is complete.
func (p *StatsProvider) Refresh(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountsByStatus: map[string]int64{},
		RefreshedAt:    time.Now().UTC(),
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := p.db.WithContext(ctx).Model(&models.Workflow{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count workflows by status")
	}

	var terminal int64
	for _, row := range counts {
		stats.CountsByStatus[row.Status] = row.Count
		stats.TotalWorkflows += row.Count
		if domain.IsTerminalStatus(row.Status) {
			terminal += row.Count
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(stats.CountsByStatus[domain.StatusCompleted]) / float64(terminal) * 100
	}

	var avg *float64
	err = p.db.WithContext(ctx).Model(&models.Workflow{}).
		Select("AVG(duration_seconds)").
		Where("duration_seconds IS NOT NULL").
		Scan(&avg).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to average workflow durations")
	}
	if avg != nil {
		stats.AvgDurationSeconds = *avg
	}

	p.current.Store(stats)
	p.publish(ctx, stats)
	return stats, nil
}

// publish mirrors the snapshot into Redis for other consumers, best effort.
func (p *StatsProvider) publish(ctx context.Context, stats *Stats) {
	if !p.cache.Enabled() {
		return
	}
	if err := p.cache.Set(ctx, cache.StatsCacheKey(), stats, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to publish workflow stats to cache")
	}
}

// Run refreshes on the given interval until the context ends. An individual
// refresh failure is logged and retried on the next tick.
func (p *StatsProvider) Run(ctx context.Context, interval time.Duration) {
	if _, err := p.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("Initial stats refresh failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Stats refresh failed")
			}
		}
	}
}
