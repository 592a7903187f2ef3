package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/meta"
	"github.com/gftdcojp/epics-archiver-mcp/pkg/s3util"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is a dependency reachable over the network.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs health probes. Nil dependencies are not checked.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     meta.Store
	s3Client *s3util.Client
	archiver Pinger
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(nc *nats.Conn, metaStore meta.Store, s3Client *s3util.Client, archiver Pinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
		s3Client: s3Client,
		archiver: archiver,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can answer tool calls.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.archiver != nil {
		status.add("archiver", h.archiver.Ping(ctx))
	}

	if h.natsConn != nil {
		if h.natsConn.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.meta != nil {
		status.add("metadata", h.meta.Ping())
	}

	if h.s3Client != nil {
		status.add("s3", h.s3Client.Ping(ctx))
	}

	return status
}

func (s *HealthStatus) add(name string, err error) {
	if err != nil {
		s.OK = false
		s.Checks = append(s.Checks, Check{Name: name, Status: "error", Error: err.Error()})
		return
	}
	s.Checks = append(s.Checks, Check{Name: name, Status: "ok"})
}

func healthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           healthMux(cfg, checker),
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
