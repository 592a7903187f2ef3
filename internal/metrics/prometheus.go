package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Archiver fetch metrics
	ArchiverFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_fetches_total",
		Help: "Archiver retrieval requests by outcome",
	}, []string{"outcome"})

	ArchiverFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archiver_mcp_fetch_duration_seconds",
		Help:    "Archiver retrieval latency including retries",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	ArchiverFetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_mcp_fetch_bytes_total",
		Help: "Raw bytes received from the archiver",
	})

	ArchiverRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_mcp_fetch_retries_total",
		Help: "Archiver retrieval retries after 429 or 5xx responses",
	})

	// Decode metrics
	SamplesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_mcp_samples_decoded_total",
		Help: "Samples decoded from archiver streams",
	})

	SamplesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_samples_skipped_total",
		Help: "Sample lines skipped while decoding",
	}, []string{"kind"})

	SamplesOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_mcp_samples_out_of_order_total",
		Help: "Samples kept despite arriving out of time order",
	})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archiver_mcp_decode_duration_seconds",
		Help:    "Time to decode and assemble one stream",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_tool_calls_total",
		Help: "Tool invocations by surface and outcome",
	}, []string{"tool", "surface", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_mcp_tool_duration_seconds",
		Help:    "Tool invocation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_cache_lookups_total",
		Help: "Response cache lookups by result",
	}, []string{"result"})

	TierEntryCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "archiver_mcp_tier_entry_count",
		Help: "Number of cached responses in each tier",
	}, []string{"tier"})

	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "archiver_mcp_tier_bytes",
		Help: "Total bytes stored in each tier",
	}, []string{"tier"})

	DemotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_demotion_ops_total",
		Help: "Number of cache entry demotions",
	}, []string{"from_tier", "to_tier"})

	PromotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_promotion_ops_total",
		Help: "Number of cache entry promotions",
	}, []string{"from_tier", "to_tier"})

	RetentionDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_mcp_retention_deletes_total",
		Help: "Cache entries deleted past the blob tier retention",
	})

	ReadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_cache_read_requests_total",
		Help: "Cache read requests served by tier",
	}, []string{"tier"})

	ReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archiver_mcp_cache_read_latency_seconds",
		Help:    "Cache read latency by tier",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"tier"})

	// S3 metrics
	S3UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archiver_mcp_s3_upload_duration_seconds",
		Help:    "S3 upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	S3UploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_mcp_s3_upload_errors_total",
		Help: "S3 upload failures",
	}, []string{"error_type"})

	S3DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archiver_mcp_s3_download_duration_seconds",
		Help:    "S3 download latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
