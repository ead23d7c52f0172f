// Package api serves the admin HTTP surface: pool statistics, health
// probes, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pglink/pglink/internal/config"
	"github.com/pglink/pglink/internal/metrics"
	"github.com/pglink/pglink/internal/pool"
)

// Server is the admin API and metrics server.
type Server struct {
	poolMgr    *pool.Manager
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// NewServer creates a new admin API server.
func NewServer(pm *pool.Manager, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		poolMgr:   pm,
		metrics:   m,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/stats", s.requireKey(s.statsHandler)).Methods("GET")
	r.HandleFunc("/stats/{target}", s.requireKey(s.targetStatsHandler)).Methods("GET")
	r.HandleFunc("/status", s.requireKey(s.statusHandler)).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// requireKey rejects requests without the configured API key. A blank key
// disables the check.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.listenCfg.APIKey != "" && r.Header.Get("X-API-Key") != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poolMgr.AllStats())
}

func (s *Server) targetStatsHandler(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	p, ok := s.poolMgr.Get(target)
	if !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"targets":        len(s.poolMgr.AllStats()),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready once any pool has an engine in circulation.
	for _, st := range s.poolMgr.AllStats() {
		if st.Total > 0 {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no engines"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
