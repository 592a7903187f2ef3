package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	ArchiverFetches.WithLabelValues("ok").Add(0)
	SamplesSkipped.WithLabelValues("corrupt_sample").Add(0)
	ToolCalls.WithLabelValues("get_pv_data", "mcp", "ok").Add(0)
	ToolDuration.WithLabelValues("get_pv_data").Observe(0)
	CacheLookups.WithLabelValues("hit").Add(0)
	TierEntryCount.WithLabelValues("memory").Set(0)
	TierBytes.WithLabelValues("memory").Set(0)
	DemotionOps.WithLabelValues("memory", "file").Add(0)
	PromotionOps.WithLabelValues("file", "memory").Add(0)
	ReadRequests.WithLabelValues("memory").Add(0)
	ReadLatency.WithLabelValues("memory").Observe(0)
	S3UploadErrors.WithLabelValues("timeout").Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"archiver_mcp_fetches_total",
		"archiver_mcp_fetch_duration_seconds",
		"archiver_mcp_fetch_bytes_total",
		"archiver_mcp_fetch_retries_total",
		"archiver_mcp_samples_decoded_total",
		"archiver_mcp_samples_skipped_total",
		"archiver_mcp_samples_out_of_order_total",
		"archiver_mcp_decode_duration_seconds",
		"archiver_mcp_tool_calls_total",
		"archiver_mcp_tool_duration_seconds",
		"archiver_mcp_cache_lookups_total",
		"archiver_mcp_tier_entry_count",
		"archiver_mcp_tier_bytes",
		"archiver_mcp_demotion_ops_total",
		"archiver_mcp_promotion_ops_total",
		"archiver_mcp_retention_deletes_total",
		"archiver_mcp_cache_read_requests_total",
		"archiver_mcp_cache_read_latency_seconds",
		"archiver_mcp_s3_upload_duration_seconds",
		"archiver_mcp_s3_upload_errors_total",
		"archiver_mcp_s3_download_duration_seconds",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
