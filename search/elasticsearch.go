package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/workflow/config"
	"example.com/backstage/services/workflow/models"
)

// ElasticClient provides full-text indexing and search over workflow read
// models. When no URL is configured the client is disabled and callers fall
// back to SQL search.
type ElasticClient struct {
	client  *elasticsearch.Client
	config  config.ElasticConfig
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if cfg.URL == "" {
		return &ElasticClient{enabled: false}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		config:  cfg,
		enabled: true,
	}, nil
}

// Enabled reports whether the client has a configured backend.
func (c *ElasticClient) Enabled() bool {
	return c != nil && c.enabled
}

// IndexWorkflow indexes one workflow document, keyed by its workflow id so
// re-indexing under replay overwrites instead of duplicating.
func (c *ElasticClient) IndexWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if !c.Enabled() {
		return nil
	}

	doc := map[string]interface{}{
		"workflow_id":         workflow.WorkflowID,
		"name":                workflow.Name,
		"query":               workflow.Query,
		"status":              workflow.Status,
		"total_tasks":         workflow.TotalTasks,
		"completed_tasks":     workflow.CompletedTasks,
		"failed_tasks":        workflow.FailedTasks,
		"progress_percentage": workflow.ProgressPercentage,
		"created_at":          workflow.CreatedAt,
		"updated_at":          workflow.UpdatedAt,
	}
	if workflow.StartedAt != nil {
		doc["started_at"] = workflow.StartedAt
	}
	if workflow.CompletedAt != nil {
		doc["completed_at"] = workflow.CompletedAt
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal workflow document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: workflow.WorkflowID,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index workflow")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index workflow %s: %s", workflow.WorkflowID, res.String())
	}
	return nil
}

// DeleteWorkflow removes a workflow document, used by retention cleanup.
func (c *ElasticClient) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if !c.Enabled() {
		return nil
	}

	req := esapi.DeleteRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: workflowID,
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to delete workflow document")
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != 404 {
		return errors.Errorf("failed to delete workflow %s: %s", workflowID, res.String())
	}
	return nil
}

// SearchWorkflowIDs runs a full-text query over name and query fields and
// returns matching workflow ids in relevance order.
func (c *ElasticClient) SearchWorkflowIDs(ctx context.Context, query string, size int) ([]string, error) {
	if !c.Enabled() {
		return nil, errors.New("search backend is disabled")
	}

	body := map[string]interface{}{
		"_source": []string{"workflow_id"},
		"size":    size,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"name^2", "query"},
			},
		},
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(config.FormatIndex(c.config, c.config.Index)),
		c.client.Search.WithBody(bytes.NewReader(bodyJSON)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search workflows")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Errorf("search request failed: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					WorkflowID string `json:"workflow_id"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode search response")
	}

	ids := make([]string, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		ids = append(ids, hit.Source.WorkflowID)
	}

	log.Debug().Str("query", query).Int("hits", len(ids)).Msg("Workflow search completed")
	return ids, nil
}

// Healthy pings the cluster.
func (c *ElasticClient) Healthy(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}
	return nil
}
