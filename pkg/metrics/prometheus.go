package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Metric names shared with the query service.
const (
	metricRequests    = "coder_llm_requests_total"
	metricTokens      = "coder_llm_tokens_total"
	metricCosts       = "coder_llm_costs_total"
	metricDuration    = "coder_llm_request_duration_seconds"
	metricCompactions = "coder_history_compactions_total"
	metricTools       = "coder_tool_invocations_total"
	metricToolTime    = "coder_tool_duration_seconds"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	compactions     *prometheus.CounterVec
	toolsTotal      *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder registered with the default registerer.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWith creates a recorder registered with reg.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricRequests,
				Help: "Total number of model requests by model, task, status, and error kind",
			},
			[]string{"model", "task_id", "status", "error_kind"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricTokens,
				Help: "Total number of tokens used in model requests",
			},
			[]string{"model", "task_id", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricCosts,
				Help: "Total cost in USD for model requests",
			},
			[]string{"model", "task_id"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricDuration,
				Help:    "Duration of model requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricCompactions,
				Help: "Total number of history compactions after a context overflow",
			},
			[]string{"model", "task_id"},
		),
		toolsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricTools,
				Help: "Total number of tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricToolTime,
				Help:    "Time from tool detection to result in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"tool"},
		),
	}
}

// ObserveRequest records metrics for a finished model request.
func (p *PrometheusRecorder) ObserveRequest(obs RequestObservation) {
	p.requestsTotal.WithLabelValues(obs.Model, obs.TaskID, obs.Status, obs.ErrorKind).Inc()

	// Tokens and costs are only known on success.
	if obs.Status == StatusSuccess && obs.Usage != nil {
		u := obs.Usage
		p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "prompt").Add(float64(u.InputTokens))
		p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "completion").Add(float64(u.OutputTokens))
		if u.CacheReadTokens > 0 {
			p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "cache_read").Add(float64(u.CacheReadTokens))
		}
		if u.CacheWriteTokens > 0 {
			p.tokensTotal.WithLabelValues(obs.Model, obs.TaskID, "cache_write").Add(float64(u.CacheWriteTokens))
		}
		p.costsTotal.WithLabelValues(obs.Model, obs.TaskID).Add(u.Cost)
	}

	p.requestDuration.WithLabelValues(obs.Model).Observe(obs.Duration.Seconds())
}

// ObserveCompaction counts a history compaction.
func (p *PrometheusRecorder) ObserveCompaction(model, taskID string) {
	p.compactions.WithLabelValues(model, taskID).Inc()
}

// ObserveTool records the outcome of one tool invocation.
func (p *PrometheusRecorder) ObserveTool(tool string, status proto.ToolStatus, duration time.Duration) {
	p.toolsTotal.WithLabelValues(tool, string(status)).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
