// Package server exposes notebook executions over HTTP: submission, status
// snapshots, incremental log reads, and a server-sent-event stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deepnoodle-ai/nbexec"
)

// maxNotebookUploadBytes caps multipart submissions.
const maxNotebookUploadBytes = 32 << 20

// Options configures a Server.
type Options struct {
	Launcher *nbexec.Launcher
	Poller   *nbexec.Poller
	Logger   *slog.Logger
}

// Server is the HTTP surface over the launcher and the poller. It never
// talks to the compute host: every read goes through the object store, so
// any number of servers can front the same executions.
type Server struct {
	launcher *nbexec.Launcher
	poller   *nbexec.Poller
	logger   *slog.Logger
	router   chi.Router

	// handles maps execution IDs to the compute handles this server
	// created, so DELETE can clean up what POST started.
	mutex   sync.Mutex
	handles map[string]string
}

// New creates a server.
func New(opts Options) (*Server, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if opts.Poller == nil {
		return nil, fmt.Errorf("poller is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		launcher: opts.Launcher,
		poller:   opts.Poller,
		logger:   opts.Logger,
		handles:  make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/executions", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/logs", s.handleLogs)
			r.Get("/events", s.handleEvents)
			r.Delete("/", s.handleDelete)
		})
	})
	s.router = r
	return s, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleSubmit accepts a multipart notebook upload on field "notebook" and
// submits it. Field "autoExecute" defaults to true; pass "false" to upload
// without starting a host.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxNotebookUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	file, header, err := r.FormFile("notebook")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("missing notebook file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxNotebookUploadBytes+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("failed to read notebook: %w", err))
		return
	}
	if len(data) > maxNotebookUploadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("notebook exceeds %d bytes", maxNotebookUploadBytes))
		return
	}

	autoExecute := r.FormValue("autoExecute") != "false"

	submission, err := s.launcher.Submit(r.Context(), data, header.Filename, autoExecute)
	if err != nil {
		status := http.StatusInternalServerError
		if nbexec.IsSubmissionError(err) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err)
		return
	}

	if submission.InstanceHandle != "" {
		s.mutex.Lock()
		s.handles[submission.ExecutionID] = submission.InstanceHandle
		s.mutex.Unlock()
	}
	s.respondJSON(w, http.StatusAccepted, submission)
}

// handleStatus returns a point-in-time status snapshot. Executions that have
// not written a record yet read as PENDING.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	record, err := s.poller.Snapshot(r.Context(), executionID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

type logRangeResponse struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"nextOffset"`
}

// handleLogs returns execution log content from the given byte offset. A
// request past the current end of the log returns empty content with the
// offset echoed back, so clients can poll the same URL shape forever.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %q", raw))
			return
		}
		offset = parsed
	}
	chunk, next, err := s.poller.LogRange(r.Context(), nbexec.ExecutionLogKey(executionID), offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, logRangeResponse{
		Content:    string(chunk),
		NextOffset: next,
	})
}

// handleDelete cleans up the compute host behind an execution this server
// submitted.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	s.mutex.Lock()
	handle, ok := s.handles[executionID]
	s.mutex.Unlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("no compute host tracked for execution %s", executionID))
		return
	}
	if err := s.launcher.Cleanup(r.Context(), handle); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.mutex.Lock()
	delete(s.handles, executionID)
	s.mutex.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	msg := "internal error"
	if status < http.StatusInternalServerError && err != nil {
		msg = err.Error()
	}
	if errors.Is(err, nbexec.ErrNotFound) {
		status = http.StatusNotFound
		msg = "not found"
	}
	s.respondJSON(w, status, errorResponse{Error: msg})
}
