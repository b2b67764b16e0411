package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/driftbox/driftbox/internal/errors"
	"github.com/driftbox/driftbox/pkg/provider"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/store"
)

// providerView is the API shape of a connected provider. Encrypted config
// never leaves the store; sensitive values appear only masked.
type providerView struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspaceId"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	AuthType     string         `json:"authType"`
	IsActive     bool           `json:"isActive"`
	QuotaUsed    int64          `json:"quotaUsed"`
	QuotaTotal   *int64         `json:"quotaTotal,omitempty"`
	LastSyncAt   *time.Time     `json:"lastSyncAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	MaskedConfig map[string]any `json:"maskedConfig,omitempty"`
}

func viewOf(rec *store.Provider) providerView {
	return providerView{
		ID:          rec.ID,
		WorkspaceID: rec.WorkspaceID,
		Name:        rec.Name,
		Type:        rec.Type,
		AuthType:    rec.AuthType,
		IsActive:    rec.IsActive,
		QuotaUsed:   rec.QuotaUsed,
		QuotaTotal:  rec.QuotaTotal,
		LastSyncAt:  rec.LastSyncAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Resolver.Registry().List())
}

// handleListCredentials lists a user's reusable OAuth identities so a
// connect dialog can offer them instead of a fresh consent flow. Only
// labels and identifiers leave the store; ciphertext is excluded by the
// struct's JSON tags.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apperrors.RespondValidation(w, r, "user query parameter is required")
		return
	}
	creds, err := s.deps.Store.ListOAuthCredentials(r.Context(), userID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if creds == nil {
		creds = []store.OAuthCredential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleConnectProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID          string         `json:"workspaceId"`
		UserID               string         `json:"userId"`
		Name                 string         `json:"name"`
		Type                 string         `json:"type"`
		Config               map[string]any `json:"config"`
		CredentialIdentifier string         `json:"credentialIdentifier,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apperrors.RespondValidation(w, r, err.Error())
		return
	}
	if req.Name == "" || req.Type == "" {
		apperrors.RespondValidation(w, r, "name and type are required")
		return
	}

	rec, err := s.deps.Resolver.Connect(r.Context(), resolver.ConnectParams{
		WorkspaceID:          req.WorkspaceID,
		UserID:               req.UserID,
		Name:                 req.Name,
		Type:                 provider.Type(req.Type),
		Config:               req.Config,
		CredentialIdentifier: req.CredentialIdentifier,
	})
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListProviders(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	views := make([]providerView, 0, len(recs))
	for i := range recs {
		views = append(views, viewOf(&recs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerID")
	rec, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	view := viewOf(rec)
	masked, err := s.deps.Resolver.MaskedConfig(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	view.MaskedConfig = masked
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRenameProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apperrors.RespondValidation(w, r, err.Error())
		return
	}
	if req.Name == "" {
		apperrors.RespondValidation(w, r, "name is required")
		return
	}

	id := chi.URLParam(r, "providerID")
	if err := s.deps.Store.RenameProvider(r.Context(), id, req.Name); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	rec, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// handleDisconnectProvider deactivates a provider without erasing its row,
// so reconnecting later does not re-enter credentials from scratch.
func (s *Server) handleDisconnectProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerID")
	if err := s.deps.Store.SetProviderActive(r.Context(), id, false); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Resolver.Test(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleSyncQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Resolver.SyncQuota(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleDownload routes a read per the provider's capabilities: a 302 to a
// presigned URL, or a proxied stream.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	remoteID := r.URL.Query().Get("remoteId")
	if remoteID == "" {
		apperrors.RespondValidation(w, r, "remoteId query parameter is required")
		return
	}

	result, err := s.deps.Sessions.Download(r.Context(), chi.URLParam(r, "providerID"), remoteID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	if result.URL != "" {
		http.Redirect(w, r, result.URL, http.StatusFound)
		return
	}

	defer func() { _ = result.Body.Close() }()
	w.Header().Set("Content-Type", result.ContentType)
	if result.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.FileName+`"`)
	if _, err := io.Copy(w, result.Body); err != nil {
		s.log.Warn("stream download", zap.Error(err))
	}
}
