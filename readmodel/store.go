package readmodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/cache"
	"example.com/backstage/services/workflow/search"

	"example.com/backstage/services/workflow/models"
)

// ErrWorkflowNotFound is returned when a workflow read model does not exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

const workflowCacheTTL = 5 * time.Minute

// Store serves queries over the workflow read models. It reads what the
// projection engine writes and layers caching and full-text search on top.
type Store struct {
	db      *gorm.DB
	cache   *cache.RedisCache
	elastic *search.ElasticClient
}

// NewStore creates a read model store.
func NewStore(db *gorm.DB, redisCache *cache.RedisCache, elastic *search.ElasticClient) *Store {
	return &Store{
		db:      db,
		cache:   redisCache,
		elastic: elastic,
	}
}

// ListParams filters and pages a workflow listing.
type ListParams struct {
	Status    string
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// WorkflowPage is one page of a workflow listing with the total match count.
type WorkflowPage struct {
	Workflows []models.Workflow `json:"workflows"`
	Total     int64             `json:"total"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}

var sortableColumns = map[string]string{
	"created_at":          "created_at",
	"updated_at":          "updated_at",
	"name":                "name",
	"status":              "status",
	"progress_percentage": "progress_percentage",
}

// ListWorkflows returns a page of workflows matching the filter. Free-text
// search goes through Elasticsearch when available and falls back to a SQL
// substring match otherwise.
func (s *Store) ListWorkflows(ctx context.Context, params ListParams) (*WorkflowPage, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Workflow{})
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Search != "" {
		query = s.applySearch(ctx, query, params.Search)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to count workflows")
	}

	column, ok := sortableColumns[params.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(params.SortOrder, "asc") {
		direction = "ASC"
	}

	var workflows []models.Workflow
	err := query.
		Order(fmt.Sprintf("%s %s", column, direction)).
		Offset((params.Page - 1) * params.PageSize).
		Limit(params.PageSize).
		Find(&workflows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list workflows")
	}

	return &WorkflowPage{
		Workflows: workflows,
		Total:     total,
		Page:      params.Page,
		PageSize:  params.PageSize,
	}, nil
}

func (s *Store) applySearch(ctx context.Context, query *gorm.DB, term string) *gorm.DB {
	if s.elastic.Enabled() {
		ids, err := s.elastic.SearchWorkflowIDs(ctx, term, 500)
		if err == nil {
			if len(ids) == 0 {
				// No hits: force an empty page rather than returning
				// everything.
				return query.Where("1 = 0")
			}
			return query.Where("workflow_id IN ?", ids)
		}
		log.Warn().Err(err).Msg("Search backend failed, falling back to SQL search")
	}

	pattern := "%" + strings.ToLower(term) + "%"
	return query.Where("LOWER(name) LIKE ? OR LOWER(query) LIKE ?", pattern, pattern)
}

// GetWorkflow returns one workflow with its tasks, served from cache when
// possible. The projector drops the cache entry after every mutation, so the
// TTL only bounds staleness when invalidation itself fails.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	cacheKey := cache.WorkflowCacheKey(workflowID)
	if s.cache.Enabled() {
		var cached models.Workflow
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	var workflow models.Workflow
	err := s.db.WithContext(ctx).
		Preload("Tasks").
		Where("workflow_id = ?", workflowID).
		First(&workflow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to load workflow")
	}

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, cacheKey, &workflow, workflowCacheTTL); err != nil {
			log.Warn().Err(err).Str("workflow_id", workflowID).Msg("Failed to cache workflow")
		}
	}
	return &workflow, nil
}

// ListTasks returns the tasks for one workflow in creation order.
func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	var exists int64
	err := s.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("workflow_id = ?", workflowID).
		Count(&exists).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to check workflow")
	}
	if exists == 0 {
		return nil, ErrWorkflowNotFound
	}

	var tasks []models.Task
	err = s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list tasks")
	}
	return tasks, nil
}
