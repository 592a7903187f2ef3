package serve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
	"go.uber.org/zap"
)

// maxDecodeBody bounds POST /v1/decode uploads.
const maxDecodeBody = 64 << 20

// CacheAdmin is the cache management surface. It is satisfied by
// *tier.Controller.
type CacheAdmin interface {
	List(ctx context.Context) ([]meta.CacheEntry, error)
	Stats(ctx context.Context) ([]types.TierStats, error)
	Evict(ctx context.Context, id string) error
}

type handler struct {
	svc    *tools.Service
	cache  CacheAdmin // nil when no cache tier is enabled
	logger *zap.Logger
}

// RunHTTP starts the HTTP API server. cache may be nil.
func RunHTTP(ctx context.Context, cfg config.APIConfig, svc *tools.Service, cache CacheAdmin, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(svc, cache, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NewHandler returns the API routes. cache may be nil.
func NewHandler(svc *tools.Service, cache CacheAdmin, logger *zap.Logger) http.Handler {
	h := &handler{svc: svc, cache: cache, logger: logger}
	return h.routes()
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/pvs/{pv}/data", h.handleData)
	mux.HandleFunc("GET /v1/pvs/{pv}/statistics", h.handleStatistics)
	mux.HandleFunc("POST /v1/decode", h.handleDecode)
	mux.HandleFunc("GET /v1/cache", h.handleListCache)
	mux.HandleFunc("DELETE /v1/cache/{id}", h.handleEvict)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "ok",
		"cache_enabled": h.cache != nil,
	}
	if h.cache != nil {
		st, err := h.cache.Stats(r.Context())
		if err != nil {
			h.logger.Warn("collecting tier stats", zap.Error(err))
		} else {
			status["tiers"] = st
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxSamples, ok := intParam(w, q.Get("max_samples"), "max_samples")
	if !ok {
		return
	}
	resp, err := h.svc.GetPVData(tools.WithSurface(r.Context(), "http"), tools.DataArgs{
		PVName:     r.PathValue("pv"),
		StartTime:  q.Get("start"),
		EndTime:    q.Get("end"),
		Format:     q.Get("format"),
		MaxSamples: maxSamples,
	})
	h.reply(w, resp, err)
}

func (h *handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel, ok := intParam(w, q.Get("channel"), "channel")
	if !ok {
		return
	}
	resp, err := h.svc.GetPVStatistics(tools.WithSurface(r.Context(), "http"), tools.StatsArgs{
		PVName:    r.PathValue("pv"),
		StartTime: q.Get("start"),
		EndTime:   q.Get("end"),
		Channel:   channel,
	})
	h.reply(w, resp, err)
}

// handleDecode accepts either a JSON body {"data_base64": ...} or the raw
// archiver response as the request body.
func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	maxSamples, ok := intParam(w, r.URL.Query().Get("max_samples"), "max_samples")
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDecodeBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	args := tools.DecodeArgs{MaxSamples: maxSamples}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
			return
		}
		if args.MaxSamples == 0 {
			args.MaxSamples = maxSamples
		}
	} else {
		args.DataBase64 = base64.StdEncoding.EncodeToString(body)
	}

	resp, err := h.svc.DecodePVStream(tools.WithSurface(r.Context(), "http"), args)
	h.reply(w, resp, err)
}

func (h *handler) handleListCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not enabled"})
		return
	}
	entries, err := h.cache.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	result := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		result = append(result, map[string]any{
			"id":           e.ID,
			"pv":           e.PV,
			"start":        e.Start,
			"end":          e.End,
			"sample_count": e.SampleCount,
			"size_bytes":   e.SizeBytes,
			"tier":         e.CurrentTier.String(),
			"tiers":        e.Tiers,
			"fetched_at":   e.FetchedAt,
			"age":          time.Since(e.FetchedAt).Round(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not enabled"})
		return
	}
	id := r.PathValue("id")
	if err := h.cache.Evict(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, meta.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted", "id": id})
}

func (h *handler) reply(w http.ResponseWriter, resp *tools.Response, err error) {
	if err != nil {
		status, kind := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("tool call failed", zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorStatus maps a tool failure to an HTTP status and its kind.
func errorStatus(err error) (int, string) {
	var te *tools.Error
	if !errors.As(err, &te) {
		return http.StatusInternalServerError, tools.KindInternal
	}
	switch te.Kind {
	case tools.KindInvalidArgument, tools.KindChannelOutOfRange:
		return http.StatusBadRequest, te.Kind
	case tools.KindPVNotFound:
		return http.StatusNotFound, te.Kind
	case tools.KindFetchFailed:
		return http.StatusBadGateway, te.Kind
	case tools.KindDecodeFailed, tools.KindUnsupportedType:
		return http.StatusUnprocessableEntity, te.Kind
	default:
		return http.StatusInternalServerError, te.Kind
	}
}

func intParam(w http.ResponseWriter, s, name string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(map[string]string{"error": err.Error(), "kind": "internal"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(b, '\n'))
}
