// Package http exposes the REST API and WebSocket endpoint spec.md §6
// defines: alert queries, manual removal, stats, health, and /ws.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/broadcast"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

// SourceStatus reports whether an ingestion source is currently connected,
// for the /health liveness surface.
type SourceStatus interface {
	Connected() bool
}

// Server exposes the REST API, /ws, and /metrics over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	store      *store.Store
	hub        *broadcast.Hub
	push       SourceStatus
	pull       SourceStatus
}

// NewServer wires the REST API, the /ws upgrade endpoint, and /metrics
// against a shared Store and Hub.
func NewServer(addr string, s *store.Store, hub *broadcast.Hub, push, pull SourceStatus, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	srv := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      otelhttp.NewHandler(mux, "alertd"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		store:  s,
		hub:    hub,
		push:   push,
		pull:   pull,
	}

	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /api/alerts", srv.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/{product_id}", srv.handleGetAlert)
	mux.HandleFunc("DELETE /api/alerts/{product_id}", srv.handleDeleteAlert)
	mux.HandleFunc("GET /api/stats", srv.handleStats)
	mux.HandleFunc("GET /ws", srv.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	return srv
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()
	body := map[string]any{
		"status":        "healthy",
		"active_alerts": stats.Total,
		"sources": map[string]bool{
			"push": s.push != nil && s.push.Connected(),
			"pull": s.pull != nil && s.pull.Connected(),
		},
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	phenomenon := r.URL.Query().Get("phenomenon")
	state := r.URL.Query().Get("state")
	significance := r.URL.Query().Get("significance")

	var alerts []*alert.Alert
	for _, a := range s.store.Snapshot() {
		if phenomenon != "" && a.Phenomenon != phenomenon {
			continue
		}
		if significance != "" && string(a.Significance) != significance {
			continue
		}
		if state != "" && !touchesState(a, state) {
			continue
		}
		alerts = append(alerts, a)
	}
	writeJSON(w, http.StatusOK, alerts)
}

func touchesState(a *alert.Alert, state string) bool {
	for _, code := range a.AffectedAreas {
		if len(code) >= 2 && code[:2] == state {
			return true
		}
	}
	return false
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("product_id")
	a, ok := s.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("product_id")
	result := s.store.Remove(id, store.ReasonManual)
	if result == store.ResultAbsent {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, s.store)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
