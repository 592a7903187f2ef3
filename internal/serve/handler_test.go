package serve

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/archiver"
	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/memory"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/pbstream"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
	"go.uber.org/zap"
)

const testPV = "SR:C01-BI{DCCT:1}I:Real-I"

var _ CacheAdmin = (*tier.Controller)(nil)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, string, time.Time, time.Time) ([]byte, error) {
	return f.data, f.err
}

func testStream(t *testing.T, values ...float64) []byte {
	t.Helper()
	samples := make([]pbstream.Sample, len(values))
	for i, v := range values {
		samples[i] = pbstream.Sample{SecondsIntoYear: uint32(60 * (i + 1)), Value: pbstream.DoubleValue(v)}
	}
	raw, err := pbstream.EncodeStream(pbstream.Header{
		PVName: testPV, Type: pbstream.ScalarDouble, Year: 2024, ElementCount: 1,
	}, samples)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestController(t *testing.T) *tier.Controller {
	t.Helper()
	return tier.NewController(tier.ControllerConfig{
		Memory: memory.NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop()),
		Meta:   newTestMeta(t),
		Policy: config.CacheConfig{
			MinAge: config.Duration(time.Hour),
			Memory: config.MemoryTierConfig{Enabled: true},
		},
		Codec:  block.CodecS2,
		Logger: zap.NewNop(),
	})
}

func newTestHandler(t *testing.T, f tools.Fetcher, cache *tier.Controller) http.Handler {
	t.Helper()
	var opts []tools.Option
	h := &handler{logger: zap.NewNop()}
	if cache != nil {
		opts = append(opts, tools.WithCache(cache))
		h.cache = cache
	}
	h.svc = tools.NewService(f, zap.NewNop(), opts...)
	return h.routes()
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, w.Body.String())
	}
	return w, body
}

func dataURL(path string) string {
	return "/v1/pvs/" + path + "?start=2024-01-01T00:00:00Z&end=2024-01-02T00:00:00Z"
}

func TestHandler_Status(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", "/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
	if resp["cache_enabled"] != false {
		t.Fatalf("expected cache disabled, got %v", resp["cache_enabled"])
	}
}

func TestHandler_Status_WithCache(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, newTestController(t))

	_, resp := do(t, h, httptest.NewRequest("GET", "/v1/status", nil))
	tiers, ok := resp["tiers"].([]any)
	if !ok || len(tiers) != 1 {
		t.Fatalf("expected one tier in status, got %v", resp["tiers"])
	}
}

func TestHandler_Data(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{data: testStream(t, 1, 2, 3)}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", dataURL("SR:C01-BI%7BDCCT:1%7DI:Real-I/data"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := resp["data"].(map[string]any)
	if data["pv_name"] != testPV {
		t.Fatalf("unexpected pv_name %v", data["pv_name"])
	}
	if data["count"] != float64(3) {
		t.Fatalf("expected 3 samples, got %v", data["count"])
	}
}

func TestHandler_Data_Summary(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{data: testStream(t, 1, 2, 3)}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", dataURL("TEST:PV/data")+"&format=summary", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := resp["data"].(map[string]any)
	if data["mean"] != float64(2) {
		t.Fatalf("expected mean 2, got %v", data["mean"])
	}
}

func TestHandler_Data_NoData(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{data: []byte{}}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", dataURL("TEST:PV/data"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["message"] == nil {
		t.Fatal("expected a no-data message")
	}
}

func TestHandler_Data_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		f      *fakeFetcher
		url    string
		status int
		kind   string
	}{
		{"missing start", &fakeFetcher{}, "/v1/pvs/TEST:PV/data?end=2024-01-02", http.StatusBadRequest, tools.KindInvalidArgument},
		{"bad max_samples", &fakeFetcher{}, dataURL("TEST:PV/data") + "&max_samples=x", http.StatusBadRequest, ""},
		{"fetch failed", &fakeFetcher{err: fmt.Errorf("%w: connection refused", archiver.ErrFetchFailed)}, dataURL("TEST:PV/data"), http.StatusBadGateway, tools.KindFetchFailed},
		{"garbage", &fakeFetcher{data: []byte("not a header\n")}, dataURL("TEST:PV/data"), http.StatusUnprocessableEntity, tools.KindDecodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.f, nil)
			w, resp := do(t, h, httptest.NewRequest("GET", tt.url, nil))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.kind != "" && resp["kind"] != tt.kind {
				t.Fatalf("expected kind %s, got %v", tt.kind, resp["kind"])
			}
		})
	}
}

func TestHandler_Statistics(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{data: testStream(t, 4, 8)}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", dataURL("TEST:PV/statistics"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	st := resp["data"].(map[string]any)["statistics"].(map[string]any)
	if st["mean"] != float64(6) {
		t.Fatalf("expected mean 6, got %v", st["mean"])
	}
}

func TestHandler_Statistics_ScalarChannel(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{data: testStream(t, 4, 8)}, nil)

	w, resp := do(t, h, httptest.NewRequest("GET", dataURL("TEST:PV/statistics")+"&channel=3", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp["kind"] != tools.KindChannelOutOfRange {
		t.Fatalf("unexpected kind %v", resp["kind"])
	}
}

func TestHandler_Decode_RawBody(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, nil)

	req := httptest.NewRequest("POST", "/v1/decode", bytes.NewReader(testStream(t, 1, 2)))
	req.Header.Set("Content-Type", "application/octet-stream")
	w, resp := do(t, h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["data"].(map[string]any)["count"] != float64(2) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_Decode_JSONBody(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, nil)

	body, _ := json.Marshal(map[string]any{
		"data_base64": base64.StdEncoding.EncodeToString(testStream(t, 1, 2, 3, 4)),
		"max_samples": 2,
	})
	req := httptest.NewRequest("POST", "/v1/decode", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w, resp := do(t, h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := resp["data"].(map[string]any)
	if data["count"] != float64(2) || data["total_count"] != float64(4) {
		t.Fatalf("expected 2 of 4 samples, got %v of %v", data["count"], data["total_count"])
	}
}

func TestHandler_Decode_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, nil)

	req := httptest.NewRequest("POST", "/v1/decode", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	w, _ := do(t, h, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandler_Cache_Disabled(t *testing.T) {
	h := newTestHandler(t, &fakeFetcher{}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/cache", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_Cache_ListAndEvict(t *testing.T) {
	ctrl := newTestController(t)
	h := newTestHandler(t, &fakeFetcher{data: testStream(t, 1, 2)}, ctrl)

	// A window from 2024 is old enough to be cached.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", dataURL("TEST:PV/data"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("data request failed: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/cache", nil))
	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cache entry, got %d", len(entries))
	}
	if entries[0]["pv"] != "TEST:PV" || entries[0]["tier"] != "memory" {
		t.Fatalf("unexpected entry %v", entries[0])
	}

	id := entries[0]["id"].(string)
	req := httptest.NewRequest("DELETE", "/v1/cache/"+id, nil)
	w, _ = do(t, h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w, _ = do(t, h, httptest.NewRequest("DELETE", "/v1/cache/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for evicted entry, got %d", w.Code)
	}

	list, err := ctrl.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty cache, got %d entries", len(list))
	}
}

func TestErrorStatus_Untyped(t *testing.T) {
	status, kind := errorStatus(errors.New("boom"))
	if status != http.StatusInternalServerError || kind != tools.KindInternal {
		t.Fatalf("got %d %s", status, kind)
	}
}

func TestWriteJSON_UnencodableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"mean": math.Inf(1)})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["kind"] != tools.KindInternal {
		t.Errorf("kind = %q", body["kind"])
	}
}
