// Package gateway exposes the ingestion pipeline over HTTP: upload, job
// polling, staging review, commit/rollback, versioning, and search.
//
// Handlers do no pipeline work themselves. Upload acknowledges as soon as
// the document row and extraction job are durable; everything downstream
// is observable through polling, never through a blocking response.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/ingest"
	"github.com/propknow/propknow/jobqueue"
	"github.com/propknow/propknow/knowledge"
	"github.com/propknow/propknow/staging"
)

// Service holds the gateway's collaborators.
type Service struct {
	content *contentstore.Store
	orch    *ingest.Orchestrator
	queue   *jobqueue.Queue
	staging *staging.Store
	index   *knowledge.Index
	log     *slog.Logger

	maxUploadBytes int64
}

// Config wires a Service.
type Config struct {
	Content *contentstore.Store
	Orch    *ingest.Orchestrator
	Queue   *jobqueue.Queue
	Staging *staging.Store
	Index   *knowledge.Index

	// MaxUploadBytes caps request bodies on upload routes. Default: 50 MiB.
	MaxUploadBytes int64

	// Logger for request-level events. Default: slog.Default().
	Logger *slog.Logger
}

// New validates the wiring and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Content == nil || cfg.Orch == nil || cfg.Queue == nil ||
		cfg.Staging == nil || cfg.Index == nil {
		return nil, errors.New("gateway: Config is missing a collaborator")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		content:        cfg.Content,
		orch:           cfg.Orch,
		queue:          cfg.Queue,
		staging:        cfg.Staging,
		index:          cfg.Index,
		log:            cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
	}, nil
}

// Routes returns the HTTP router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.handleUpload)
		r.Get("/documents/{documentID}/job", s.handleJobStatus)
		r.Get("/documents/{documentID}/staging", s.handleStagingBatch)
		r.Get("/documents/{documentID}/versions", s.handleVersionChain)
		r.Post("/documents/{documentID}/versions", s.handleCreateVersion)

		r.Post("/batches/{batchID}/commit", s.handleCommit)
		r.Post("/batches/{batchID}/discard", s.handleDiscard)
		r.Post("/commits/{commitID}/rollback", s.handleRollback)

		r.Get("/search", s.handleSearch)
	})
	return r
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// writeError maps the pipeline's error taxonomy onto HTTP status codes.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	code, status := "internal", http.StatusInternalServerError

	switch {
	case errors.Is(err, contentstore.ErrNotFound),
		errors.Is(err, jobqueue.ErrNotFound),
		errors.Is(err, staging.ErrNotFound),
		errors.Is(err, knowledge.ErrNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, contentstore.ErrPayloadTooLarge):
		code, status = "payload_too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, contentstore.ErrUnsupportedFormat):
		code, status = "unsupported_format", http.StatusUnsupportedMediaType
	case errors.Is(err, contentstore.ErrArchived):
		code, status = "archived", http.StatusConflict
	case errors.Is(err, contentstore.ErrSuperseded):
		code, status = "superseded", http.StatusConflict
	case errors.Is(err, contentstore.ErrLockHeld):
		code, status = "locked", http.StatusConflict
	case errors.Is(err, jobqueue.ErrAlreadyQueued):
		code, status = "already_queued", http.StatusConflict
	case errors.Is(err, staging.ErrAlreadyCommitted):
		code, status = "already_committed", http.StatusConflict
	case errors.Is(err, staging.ErrBatchClosed):
		code, status = "batch_closed", http.StatusConflict
	case errors.Is(err, staging.ErrRollbackConflict):
		code, status = "rollback_conflict", http.StatusConflict
	case errors.Is(err, staging.ErrAlreadyRolledBack):
		code, status = "already_rolled_back", http.StatusConflict
	case errors.Is(err, knowledge.ErrModelMismatch):
		code, status = "model_mismatch", http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	s.writeJSON(w, status, body)
}

func (s *Service) badRequest(w http.ResponseWriter, message string) {
	var body errorBody
	body.Error.Code = "bad_request"
	body.Error.Message = message
	s.writeJSON(w, http.StatusBadRequest, body)
}
