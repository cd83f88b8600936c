package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metrics for the pipeline. A fresh registry
// per collector keeps tests free of duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	// Ingestion metrics
	RecordsProcessed *prometheus.CounterVec // classification: new|updated|deleted|unchanged
	SyncRuns         *prometheus.CounterVec // connector, mode: full|incremental, outcome
	SyncDuration     *prometheus.HistogramVec

	// Graph metrics
	GraphTransactions *prometheus.CounterVec // outcome: committed|aborted
	GraphWriteItems   prometheus.Histogram

	// Messaging metrics
	MessagesPublished *prometheus.CounterVec // eventType
	PublishFailures   prometheus.Counter

	// Blob metrics
	BlobUploads   *prometheus.CounterVec // outcome: compressed|uncompressed|failed
	BlobDownloads *prometheus.CounterVec // outcome: ok|failed

	// Retrieval metrics
	RetrievalRequests *prometheus.CounterVec // outcome
	StageDuration     *prometheus.HistogramVec
	ToolHops          prometheus.Histogram
}

// NewCollector creates and registers all pipeline metrics under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Records processed by the entities processor, by classification",
		}, []string{"classification"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Connector sync runs by mode and outcome",
		}, []string{"connector", "mode", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of connector sync runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"connector", "mode"}),
		GraphTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_transactions_total",
			Help:      "Graph store transactions by outcome",
		}, []string{"outcome"}),
		GraphWriteItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_transaction_items",
			Help:      "Write items per committed graph transaction",
			Buckets:   prometheus.LinearBuckets(1, 10, 10),
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "record-events messages published, by event type",
		}, []string{"event_type"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Messages that exhausted publish retries",
		}),
		BlobUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_uploads_total",
			Help:      "Blob uploads by outcome",
		}, []string{"outcome"}),
		BlobDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_downloads_total",
			Help:      "Blob downloads by outcome",
		}, []string{"outcome"}),
		RetrievalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_requests_total",
			Help:      "Retrieval orchestrator runs by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_stage_duration_seconds",
			Help:      "Latency of each retrieval pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		ToolHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_tool_hops",
			Help:      "Tool-use hops per retrieval request",
			Buckets:   []float64{0, 1, 2, 3, 4},
		}),
	}

	registry.MustRegister(
		c.RecordsProcessed, c.SyncRuns, c.SyncDuration,
		c.GraphTransactions, c.GraphWriteItems,
		c.MessagesPublished, c.PublishFailures,
		c.BlobUploads, c.BlobDownloads,
		c.RetrievalRequests, c.StageDuration, c.ToolHops,
	)
	return c
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
