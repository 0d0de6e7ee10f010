package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// TaskMetrics represents aggregated metrics for one task.
type TaskMetrics struct {
	TaskID           string  `json:"task_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
	FailedRequests   int64   `json:"failed_requests"`
	Compactions      int64   `json:"compactions"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return NewQueryServiceWithAPI(v1.NewAPI(client)), nil
}

// NewQueryServiceWithAPI creates a query service on top of an existing API handle.
func NewQueryServiceWithAPI(queryAPI v1.API) *QueryService {
	return &QueryService{queryAPI: queryAPI}
}

// GetTaskMetrics retrieves aggregated token, cost and failure metrics for one task.
func (q *QueryService) GetTaskMetrics(ctx context.Context, taskID string) (*TaskMetrics, error) {
	return q.collect(ctx, taskID, fmt.Sprintf("task_id=%q", taskID))
}

// GetTaskMetricsByModel retrieves metrics broken down by model for one task.
func (q *QueryService) GetTaskMetricsByModel(ctx context.Context, taskID string) (map[string]*TaskMetrics, error) {
	modelsQuery := fmt.Sprintf(`group by (model) (%s{task_id=%q})`, metricRequests, taskID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	result := make(map[string]*TaskMetrics, len(models))
	for _, modelName := range models {
		m, err := q.collect(ctx, taskID, fmt.Sprintf("task_id=%q, model=%q", taskID, modelName))
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", modelName, err)
		}
		result[modelName] = m
	}
	return result, nil
}

func (q *QueryService) collect(ctx context.Context, taskID, selector string) (*TaskMetrics, error) {
	m := &TaskMetrics{TaskID: taskID}

	queries := []struct {
		name  string
		query string
		set   func(v model.SampleValue)
	}{
		{"prompt tokens", fmt.Sprintf(`sum(%s{%s, type="prompt"})`, metricTokens, selector), func(v model.SampleValue) { m.PromptTokens = int64(v) }},
		{"completion tokens", fmt.Sprintf(`sum(%s{%s, type="completion"})`, metricTokens, selector), func(v model.SampleValue) { m.CompletionTokens = int64(v) }},
		{"total cost", fmt.Sprintf(`sum(%s{%s})`, metricCosts, selector), func(v model.SampleValue) { m.TotalCost = float64(v) }},
		{"failed requests", fmt.Sprintf(`sum(%s{%s, status=%q})`, metricRequests, selector, StatusError), func(v model.SampleValue) { m.FailedRequests = int64(v) }},
		{"compactions", fmt.Sprintf(`sum(%s{%s})`, metricCompactions, selector), func(v model.SampleValue) { m.Compactions = int64(v) }},
	}

	for _, qq := range queries {
		result, _, err := q.queryAPI.Query(ctx, qq.query, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", qq.name, err)
		}
		if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
			qq.set(vector[0].Value)
		}
	}

	m.TotalTokens = m.PromptTokens + m.CompletionTokens
	return m, nil
}
