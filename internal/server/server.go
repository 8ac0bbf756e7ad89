// Package server exposes the pipeline over a small JSON API. Long-running
// operations (the positioning run, deep refinement) stream newline-delimited
// JSON so the client can render progress as it happens.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/pipeline"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// maxUploadBytes caps the accepted document size at 20 MiB.
const maxUploadBytes = 20 << 20

// Pipeline is the part of the pipeline service the API consumes.
type Pipeline interface {
	StartPipeline(ctx context.Context, doc pipeline.Document) (*session.Session, <-chan pipeline.Event, error)
	RequestManualRefinement(ctx context.Context, sessionID string) (*models.RefinementAdjustment, error)
	StartDeepRefinement(
		ctx context.Context, sessionID string, opts pipeline.DeepOptions,
	) (<-chan pipeline.IterationResult, error)
	SetBounds(ctx context.Context, sessionID string, bounds models.Bounds) error
	Reset(ctx context.Context, sessionID string) error
}

// Server is the HTTP handler set for the georeferencing API.
type Server struct {
	log      *slog.Logger
	pipeline Pipeline
}

// New creates the API server.
func New(log *slog.Logger, pl Pipeline) *Server {
	return &Server{log: log, pipeline: pl}
}

// Register attaches the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", s.handleUpload)
	mux.HandleFunc("POST /api/sessions/{id}/refine", s.handleRefine)
	mux.HandleFunc("POST /api/sessions/{id}/deep-refine", s.handleDeepRefine)
	mux.HandleFunc("PUT /api/sessions/{id}/bounds", s.handleSetBounds)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleReset)
}

// handleUpload accepts a multipart plan image, starts the pipeline, and
// streams its stage events as NDJSON until the run settles or fails.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	file, _, err := r.FormFile("document")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("missing document file"))
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read document: %w", err))
		return
	}

	aspectRatio, err := strconv.ParseFloat(r.FormValue("aspect_ratio"), 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("aspect_ratio must be a number"))
		return
	}

	sess, events, err := s.pipeline.StartPipeline(r.Context(), pipeline.Document{
		Image:       image,
		AspectRatio: aspectRatio,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.log.InfoContext(r.Context(), "Pipeline started", "session", sess.ID, "bytes", len(image))
	streamNDJSON(w, events)
}

// handleRefine runs one manual refinement pass and returns the applied
// adjustment, or an explicit no-change reply.
func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	adj, err := s.pipeline.RequestManualRefinement(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"changed":    adj != nil,
		"adjustment": adj,
	})
}

type deepRefineRequest struct {
	MaxIterations  int     `json:"max_iterations"`
	MaxShiftMeters float64 `json:"max_shift_meters"`
}

// handleDeepRefine starts the deep refinement loop and streams one NDJSON
// record per iteration. An empty body selects the defaults.
func (s *Server) handleDeepRefine(w http.ResponseWriter, r *http.Request) {
	var req deepRefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	results, err := s.pipeline.StartDeepRefinement(r.Context(), r.PathValue("id"), pipeline.DeepOptions{
		MaxIterations:  req.MaxIterations,
		MaxShiftMeters: req.MaxShiftMeters,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	streamNDJSON(w, results)
}

func (s *Server) handleSetBounds(w http.ResponseWriter, r *http.Request) {
	var bounds models.Bounds
	if err := json.NewDecoder(r.Body).Decode(&bounds); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.pipeline.SetBounds(r.Context(), r.PathValue("id"), bounds); err != nil {
		if errors.Is(err, models.ErrInvalidBounds) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeSessionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"bounds": bounds})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Reset(r.Context(), r.PathValue("id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamNDJSON writes each value from ch as one JSON line, flushing after
// every record so clients see progress immediately.
func streamNDJSON[T any](w http.ResponseWriter, ch <-chan T) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for v := range ch {
		if err := enc.Encode(v); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrExpired):
		s.writeError(w, http.StatusGone, err)
	case errors.Is(err, pipeline.ErrNotPositioned), errors.Is(err, pipeline.ErrRefinementInProgress):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to write reply", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
