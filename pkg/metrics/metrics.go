package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nl2sql_build_info",
			Help: "Build information of the NL2SQL service",
		},
		[]string{"version", "commit", "date"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_cache_requests_total",
			Help: "Total number of cache lookups by key prefix and result",
		},
		[]string{"prefix", "result"},
	)

	CacheLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nl2sql_cache_latency_seconds",
			Help:    "Latency of cache lookups, including generation on miss",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"prefix", "result"},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_llm_requests_total",
			Help: "Total number of LLM completion requests",
		},
		[]string{"status"},
	)

	LLMRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nl2sql_llm_retries_total",
			Help: "Total number of LLM request retries after rate limits or timeouts",
		},
	)

	LLMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nl2sql_llm_request_duration_seconds",
			Help:    "Duration of LLM completion requests in seconds, including retries",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	PipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_pipeline_requests_total",
			Help: "Total number of NL2SQL pipeline requests by outcome",
		},
		[]string{"outcome"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nl2sql_pipeline_duration_seconds",
			Help:    "End-to-end duration of NL2SQL pipeline requests",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_validations_total",
			Help: "Total number of SQL validations by result",
		},
		[]string{"result"},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_executions_total",
			Help: "Total number of SQL executions by error kind (empty for success)",
		},
		[]string{"error_kind"},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_scheduler_agent_runs_total",
			Help: "Total number of proactive agent runs by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nl2sql_scheduler_batch_size",
			Help: "Number of agents selected in the most recent scheduler tick",
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_alerts_total",
			Help: "Total number of alerts created by severity",
		},
		[]string{"severity"},
	)

	IndexerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_indexer_runs_total",
			Help: "Total number of schema indexing passes by outcome",
		},
		[]string{"outcome"},
	)

	IndexedTables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nl2sql_indexed_tables",
			Help: "Number of tables indexed in the vector store by the last pass",
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nl2sql_mcp_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tool"},
	)
)
