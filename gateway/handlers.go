package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/propknow/propknow/jobqueue"
	"github.com/propknow/propknow/knowledge"
)

// UploadResponse is the body for POST /api/v1/documents.
type UploadResponse struct {
	DocumentID  string `json:"document_id"`
	IsDuplicate bool   `json:"is_duplicate"`
	JobID       string `json:"job_id,omitempty"`
}

// handleUpload accepts a document as multipart form data (file +
// project_id fields) or as a raw body with ?project_id= and a Content-Type
// header. It returns as soon as the document row and extraction job are
// durable.
func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, projectID, mimeType, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	doc, dup, err := s.content.Put(r.Context(), data, projectID, mimeType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := UploadResponse{DocumentID: doc.ID, IsDuplicate: dup}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	} else {
		job, err := s.orch.EnqueueDocument(r.Context(), doc.ID)
		if err != nil && !errors.Is(err, jobqueue.ErrAlreadyQueued) {
			s.writeError(w, err)
			return
		}
		if job != nil {
			resp.JobID = job.ID
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Service) readUpload(w http.ResponseWriter, r *http.Request) (data []byte, projectID, mimeType string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			s.badRequest(w, "invalid multipart body")
			return nil, "", "", false
		}
		projectID = r.FormValue("project_id")
		file, header, err := r.FormFile("file")
		if err != nil {
			s.badRequest(w, "file field required")
			return nil, "", "", false
		}
		defer file.Close()

		data, err = io.ReadAll(file)
		if err != nil {
			s.badRequest(w, "read file: "+err.Error())
			return nil, "", "", false
		}
		mimeType = header.Header.Get("Content-Type")
	} else {
		projectID = r.URL.Query().Get("project_id")
		mimeType = r.Header.Get("Content-Type")

		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			s.badRequest(w, "read body: "+err.Error())
			return nil, "", "", false
		}
	}

	if mimeType != "" {
		// Strip parameters like "; charset=utf-8".
		mimeType = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	}
	if projectID == "" {
		s.badRequest(w, "project_id required")
		return nil, "", "", false
	}
	if len(data) == 0 {
		s.badRequest(w, "empty upload")
		return nil, "", "", false
	}
	return data, projectID, mimeType, true
}

// JobStatusResponse is the body for GET /api/v1/documents/{id}/job.
type JobStatusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ErrorDetail  string `json:"error_detail,omitempty"`
}

func (s *Service) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	job, err := s.queue.LatestForDocument(r.Context(), documentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, JobStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		ErrorDetail:  job.ErrorDetail,
	})
}

func (s *Service) handleStagingBatch(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	batch, err := s.staging.LatestForDocument(r.Context(), documentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Service) handleVersionChain(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	chain, err := s.content.VersionChain(r.Context(), documentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": chain})
}

// CreateVersionResponse is the body for POST /api/v1/documents/{id}/versions.
type CreateVersionResponse struct {
	DocumentID string `json:"document_id"`
	VersionNo  int    `json:"version_no"`
	JobID      string `json:"job_id,omitempty"`
}

// handleCreateVersion uploads the raw request body as the next version of
// the document and queues its extraction.
func (s *Service) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "documentID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.badRequest(w, "read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		s.badRequest(w, "empty upload")
		return
	}

	doc, err := s.content.CreateVersion(r.Context(), parentID, data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := CreateVersionResponse{DocumentID: doc.ID, VersionNo: doc.VersionNo}
	if job, err := s.orch.EnqueueDocument(r.Context(), doc.ID); err == nil {
		resp.JobID = job.ID
	} else if !errors.Is(err, jobqueue.ErrAlreadyQueued) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// CommitRequest is the body for POST /api/v1/batches/{id}/commit.
type CommitRequest struct {
	Overrides map[string]string `json:"overrides,omitempty"`
}

func (s *Service) handleCommit(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var req CommitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
	}

	result, err := s.staging.Commit(r.Context(), batchID, req.Overrides)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleDiscard(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	if err := s.staging.Discard(r.Context(), batchID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// RollbackResponse is the body for POST /api/v1/commits/{id}/rollback.
type RollbackResponse struct {
	RestoredRows int `json:"restored_rows"`
}

func (s *Service) handleRollback(w http.ResponseWriter, r *http.Request) {
	commitID := chi.URLParam(r, "commitID")

	restored, err := s.staging.Rollback(r.Context(), commitID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RollbackResponse{RestoredRows: restored})
}

// SearchHit is one row of the search response.
type SearchHit struct {
	ChunkText        string  `json:"chunk_text"`
	SourceDocumentID string  `json:"source_document_id"`
	DocumentVersion  int     `json:"document_version"`
	IsTable          bool    `json:"is_table"`
	Score            float64 `json:"score"`
}

// handleSearch serves GET /api/v1/search?q=&project_id=&top_k=&min_similarity=.
// An empty project_id searches globally.
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := q.Get("q")
	if strings.TrimSpace(query) == "" {
		s.badRequest(w, "q required")
		return
	}

	topK := 0
	if v := q.Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(w, "invalid top_k")
			return
		}
		topK = n
	}
	minSim := -1.0 // negative selects the configured default
	if v := q.Get("min_similarity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			s.badRequest(w, "invalid min_similarity")
			return
		}
		minSim = f
	}

	results, err := s.index.Search(r.Context(), query,
		knowledge.Scope{ProjectID: q.Get("project_id")}, topK, minSim)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, SearchHit{
			ChunkText:        res.Chunk.Text,
			SourceDocumentID: res.Chunk.DocumentID,
			DocumentVersion:  res.Chunk.DocumentVersion,
			IsTable:          res.Chunk.IsTable,
			Score:            res.Score,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
