package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/driftbox/driftbox/internal/errors"
	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
)

// maxChunkBody caps a single submitted chunk. Matches the largest part the
// part-size policy can produce.
const maxChunkBody = session.MaxPartSize

func (s *Server) handleInitiateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
		ProviderID  string `json:"providerId"`
		FileName    string `json:"fileName"`
		TotalSize   int64  `json:"totalSize"`
		FolderID    string `json:"folderId,omitempty"`
		ChunkSize   int64  `json:"chunkSize,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apperrors.RespondValidation(w, r, err.Error())
		return
	}
	if req.ProviderID == "" || req.FileName == "" {
		apperrors.RespondValidation(w, r, "providerId and fileName are required")
		return
	}
	if req.TotalSize < 0 {
		apperrors.RespondValidation(w, r, "totalSize must not be negative")
		return
	}

	sess, err := s.deps.Sessions.Initiate(r.Context(), session.InitiateParams{
		WorkspaceID: req.WorkspaceID,
		ProviderID:  req.ProviderID,
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		FolderID:    req.FolderID,
		ChunkSize:   req.ChunkSize,
	})
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions lists active sessions, or sessions in one explicit
// status when ?status= is given (e.g. failed sessions offered for retry).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace")

	var (
		sessions []store.Session
		err      error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "":
		sessions, err = s.deps.Sessions.ListActive(r.Context(), workspaceID)
	case string(store.StatusPending), string(store.StatusRunning),
		string(store.StatusCompleted), string(store.StatusFailed),
		string(store.StatusCancelled):
		sessions, err = s.deps.Store.ListSessionsByStatus(r.Context(), workspaceID, store.SessionStatus(status))
	default:
		apperrors.RespondValidation(w, r, "unknown session status "+status)
		return
	}
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSubmitChunk accepts one raw chunk body for a proxied session.
func (s *Server) handleSubmitChunk(w http.ResponseWriter, r *http.Request) {
	chunkNumber, err := strconv.ParseInt(chi.URLParam(r, "chunkNumber"), 10, 64)
	if err != nil {
		apperrors.RespondValidation(w, r, "chunk number must be an integer")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil {
		apperrors.RespondValidation(w, r, "read chunk body: "+err.Error())
		return
	}
	if int64(len(data)) > maxChunkBody {
		apperrors.RespondValidation(w, r, "chunk body exceeds maximum part size")
		return
	}

	sess, err := s.deps.Sessions.SubmitChunk(r.Context(), chi.URLParam(r, "sessionID"), chunkNumber, data)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleCompletePart records a caller-confirmed ETag for a direct session.
func (s *Server) handleCompletePart(w http.ResponseWriter, r *http.Request) {
	partNumber, err := strconv.Atoi(chi.URLParam(r, "partNumber"))
	if err != nil {
		apperrors.RespondValidation(w, r, "part number must be an integer")
		return
	}

	var req struct {
		ETag string `json:"etag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apperrors.RespondValidation(w, r, err.Error())
		return
	}
	if req.ETag == "" {
		apperrors.RespondValidation(w, r, "etag is required")
		return
	}

	sess, err := s.deps.Sessions.CompletePart(r.Context(), chi.URLParam(r, "sessionID"), partNumber, req.ETag)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Complete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Cancel(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRetrySession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Retry(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
