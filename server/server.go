// Package server exposes the resurrection pipeline over HTTP. The analyze
// and resurrect endpoints stream newline-delimited JSON events; everything
// else is plain request/response.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazarusengine/lazarus/debuglog"
	"github.com/lazarusengine/lazarus/gitremote"
	"github.com/lazarusengine/lazarus/pipeline"
)

// Server wires the HTTP surface to the pipeline and its capabilities.
type Server struct {
	pipeline *pipeline.Pipeline
	git      *gitremote.Client
	debug    *debuglog.Store
	logger   *slog.Logger
}

// New creates the server.
func New(p *pipeline.Pipeline, git *gitremote.Client, debug *debuglog.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: p, git: git, debug: debug, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/scan", s.handleScan)
		r.Get("/file-content", s.handleFileContent)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/resurrect", s.handleResurrect)
		r.Post("/commit", s.handleCommit)
		r.Post("/create-pr", s.handleCreatePR)
		r.Get("/debug/logs", s.handleDebugLogs)
		r.Get("/sessions", s.handleSessions)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
