package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lazarusengine/lazarus/core/fault"
	"github.com/lazarusengine/lazarus/gitremote"
	"github.com/lazarusengine/lazarus/pipeline"
)

// handleScan lists every file path in the repository.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	repoURL := r.URL.Query().Get("repo_url")
	if repoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}

	paths, err := s.git.ScanTree(r.Context(), repoURL)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": paths})
}

// handleFileContent returns one pre-existing repository file.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	repoURL := r.URL.Query().Get("repo_url")
	path := r.URL.Query().Get("path")
	if repoURL == "" || path == "" {
		writeError(w, http.StatusBadRequest, "repo_url and path are required")
		return
	}

	content, err := s.git.FileContent(r.Context(), repoURL, path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

type analyzeRequest struct {
	RepoURL string `json:"repo_url"`
}

// handleAnalyze runs scan plus analysis, streaming events as NDJSON.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}

	sess, ctx := s.pipeline.Sessions.Create(r.Context(), req.RepoURL, "")
	defer s.pipeline.Sessions.Remove(sess.ID)

	go s.pipeline.RunAnalysis(ctx, sess)
	s.streamEvents(w, r, sess)
}

// handleResurrect runs the full pipeline, streaming events as NDJSON. A
// request with nothing selected is rejected before any session starts.
func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ResurrectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	if req.Selections.Empty() {
		writeError(w, http.StatusBadRequest, "nothing to do: select issues or upgrades, or give instructions")
		return
	}

	sess, ctx := s.pipeline.Sessions.Create(r.Context(), req.RepoURL, req.Selections.Instructions)
	defer s.pipeline.Sessions.Remove(sess.ID)

	go s.pipeline.RunResurrection(ctx, sess, req)
	s.streamEvents(w, r, sess)
}

// streamEvents drains the session's stream onto the wire, one JSON object
// per line, flushing after each. Client disconnect ends the drain; the
// deferred session removal cancels the pipeline.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sess *pipeline.Session) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("client disconnected", "session_id", sess.ID)
			return
		case e, ok := <-sess.Stream().Events():
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

type commitRequest struct {
	RepoURL  string `json:"repo_url"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// handleCommit upserts one file on the working branch.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "repo_url and filename are required")
		return
	}

	res, err := s.git.CommitFile(r.Context(), req.RepoURL, req.Filename, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createPRRequest struct {
	RepoURL string                   `json:"repo_url"`
	Files   []gitremote.CommitedFile `json:"files"`
}

// handleCreatePR commits the whole artifact set and opens a pull request.
func (s *Server) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	var req createPRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}

	res, err := s.git.CommitAll(r.Context(), req.RepoURL, req.Files)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDebugLogs serves the cursor-paginated debug feed.
func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	if s.debug == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}, "cursor": 0})
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	entries, err := s.debug.Since(since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cursor := since
	if len(entries) > 0 {
		cursor = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "cursor": cursor})
}

// handleSessions snapshots the in-flight sessions, read-only.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.pipeline.Sessions.Views()})
}

// statusFor maps fault kinds onto HTTP statuses.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindScan:
		return http.StatusNotFound
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindDeploy, fault.KindPlanning:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
