// Package httpapi is the operational surface of the daemon: status,
// trajectory history and an external build trigger.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/automlkit/ensembled/internal/coordinator"
	"github.com/automlkit/ensembled/internal/history"
)

// PerfReporter exposes the driver's best fitted loss for the status view.
type PerfReporter interface {
	ValidationPerformance() float64
}

type Server struct {
	Coord   *coordinator.Coordinator
	History *history.Log
	Perf    PerfReporter
	Auth    *Authenticator
}

// Handler builds the full request handler: authenticated API under /v1/,
// CORS-wrapped.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/status", s.handleStatus)
	api.HandleFunc("/v1/history", s.handleHistory)
	api.HandleFunc("/v1/trigger", s.handleTrigger)

	mux := http.NewServeMux()
	mux.Handle("/v1/", s.Auth.Middleware(api))
	return CORS{AllowOrigin: "*"}.Wrap(mux)
}

type statusView struct {
	coordinator.Status
	ValidationPerformance float64           `json:"validation_performance"`
	LatestSnapshot        *history.Snapshot `json:"latest_snapshot,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := statusView{Status: s.Coord.Status()}
	if s.Perf != nil {
		view.ValidationPerformance = s.Perf.ValidationPerformance()
	}
	if latest, ok := s.History.Latest(); ok {
		view.LatestSnapshot = &latest
	}
	writeJSON(w, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := s.History.List()
	if snaps == nil {
		snaps = []history.Snapshot{}
	}
	writeJSON(w, snaps)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Coord.OnEvent(r.Context())
	writeJSON(w, s.Coord.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// CORS adds permissive cross-origin headers; preflights are answered
// directly.
type CORS struct {
	AllowOrigin string
}

func (c CORS) Wrap(next http.Handler) http.Handler {
	origin := c.AllowOrigin
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		next.ServeHTTP(w, r)
	})
}

// NewHTTPServer applies the timeouts the daemon wants.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
