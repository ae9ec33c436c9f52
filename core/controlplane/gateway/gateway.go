// Package gateway exposes the policy engine and approval lifecycle over
// HTTP: decision checks, gate resolution, the pending queue, a live audit
// stream and operator diagnostics.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
	"github.com/ritualos/ritualos/core/controlplane/policy"
	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
	"github.com/ritualos/ritualos/core/infra/memory"
	"github.com/ritualos/ritualos/core/infra/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Server serves the control-plane HTTP API.
type Server struct {
	engine    *policy.Engine
	approvals *approvals.Service
	dlq       *memory.DLQStore
	bus       *bus.NatsBus
	metrics   metrics.GatewayMetrics
	started   time.Time

	clients   map[*websocket.Conn]chan *events.Envelope
	clientsMu sync.RWMutex
	eventsCh  chan *events.Envelope
}

// Options carries the server's dependencies.
type Options struct {
	Engine    *policy.Engine
	Approvals *approvals.Service
	DLQ       *memory.DLQStore
	Bus       *bus.NatsBus
	Metrics   metrics.GatewayMetrics
}

func NewServer(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.NoopGateway{}
	}
	return &Server{
		engine:    opts.Engine,
		approvals: opts.Approvals,
		dlq:       opts.DLQ,
		bus:       opts.Bus,
		metrics:   m,
		started:   time.Now(),
		clients:   make(map[*websocket.Conn]chan *events.Envelope),
		eventsCh:  make(chan *events.Envelope, 512),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.instrumented("/healthz", s.handleHealthz))
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/policy/decide", s.instrumented("/api/v1/policy/decide", s.handleDecide))

	mux.HandleFunc("GET /api/v1/approvals", s.instrumented("/api/v1/approvals", s.handleListApprovals))
	mux.HandleFunc("POST /api/v1/approvals", s.instrumented("/api/v1/approvals", s.handleRequestApproval))
	mux.HandleFunc("GET /api/v1/approvals/{run_id}/{gate_id}", s.instrumented("/api/v1/approvals/{run_id}/{gate_id}", s.handleGetApproval))
	mux.HandleFunc("GET /api/v1/approvals/{run_id}/{gate_id}/transitions", s.instrumented("/api/v1/approvals/{run_id}/{gate_id}/transitions", s.handleGetTransitions))
	mux.HandleFunc("POST /api/v1/approvals/{run_id}/{gate_id}/grant", s.instrumented("/api/v1/approvals/{run_id}/{gate_id}/grant", s.handleGrant))
	mux.HandleFunc("POST /api/v1/approvals/{run_id}/{gate_id}/deny", s.instrumented("/api/v1/approvals/{run_id}/{gate_id}/deny", s.handleDeny))
	mux.HandleFunc("POST /api/v1/approvals/{run_id}/{gate_id}/override", s.instrumented("/api/v1/approvals/{run_id}/{gate_id}/override", s.handleOverride))

	mux.HandleFunc("GET /api/v1/dlq", s.instrumented("/api/v1/dlq", s.handleListDLQ))
	mux.HandleFunc("DELETE /api/v1/dlq/{id}", s.instrumented("/api/v1/dlq/{id}", s.handleDeleteDLQ))

	mux.HandleFunc("/api/v1/audit/stream", s.instrumented("/api/v1/audit/stream", s.handleAuditStream))

	return mux
}

// Start serves the API and the metrics endpoint until ctx is cancelled.
func (s *Server) Start(ctx context.Context, httpAddr, metricsAddr string) error {
	if metricsAddr != "" && metricsAddr != httpAddr {
		go func() {
			mm := http.NewServeMux()
			mm.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mm, ReadHeaderTimeout: 5 * time.Second}
			logging.Info("gateway", "metrics listening", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("gateway", "metrics server failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           corsMiddleware(s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Info("gateway", "http listening", "addr", httpAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.bus != nil {
		status["bus"] = map[string]any{
			"connected": s.bus.IsConnected(),
			"status":    s.bus.Status(),
			"url":       s.bus.ConnectedURL(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func parseListParams(r *http.Request) (cursor int64, limit int64) {
	q := r.URL.Query()
	cursor, _ = strconv.ParseInt(q.Get("cursor"), 10, 64)
	limit, _ = strconv.ParseInt(q.Get("limit"), 10, 64)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return cursor, limit
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}
	allowed := strings.TrimSpace(os.Getenv("GATEWAY_ALLOWED_ORIGINS"))
	if allowed == "*" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if allowed == "" {
		switch strings.ToLower(u.Hostname()) {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
	for _, candidate := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(candidate), origin) {
			return true
		}
	}
	return false
}
