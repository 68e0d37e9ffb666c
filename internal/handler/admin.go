package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/model"
)

// courseRoutes covers course documents and the course knowledge base.
func (h *Handler) courseRoutes(r chi.Router) {
	r.Put("/documents/{name}", h.handleUploadDocument)
	r.Delete("/documents/{name}", h.handleRemoveDocument)
	r.Get("/documents/{name}/versions", h.handleListVersions)
	r.Post("/documents/{name}/restore", h.handleRestoreVersion)
	r.Get("/knowledge-base", h.handleKnowledgeBaseStatus)
	r.Post("/knowledge-base/sync", h.handleSyncKnowledgeBase)
	r.Delete("/knowledge-base", h.handleDeleteKnowledgeBase)
}

func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge,
			appI18n.Td(r.Context(), "ErrBadRequest", map[string]any{"Reason": err.Error()}))
		return
	}
	owner := model.OwnerFromContext(r.Context())
	res, err := h.docs.Upload(r.Context(), owner, chi.URLParam(r, "courseID"), chi.URLParam(r, "name"), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"upload":  res,
		"message": appI18n.T(r.Context(), "IngestionStarted"),
	})
}

func (h *Handler) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	owner := model.OwnerFromContext(r.Context())
	job, err := h.docs.Remove(r.Context(), owner, chi.URLParam(r, "courseID"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingestion_job": job})
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	owner := model.OwnerFromContext(r.Context())
	versions, err := h.docs.History(r.Context(), owner, chi.URLParam(r, "courseID"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": nonNil(versions),
		"message":  appI18n.Tp(r.Context(), "VersionsKept", len(versions)),
	})
}

type restoreRequest struct {
	VersionKey string `json:"version_key"`
}

func (h *Handler) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner := model.OwnerFromContext(r.Context())
	job, err := h.docs.Restore(r.Context(), owner, chi.URLParam(r, "courseID"), chi.URLParam(r, "name"), req.VersionKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ingestion_job": job,
		"message":       appI18n.T(r.Context(), "IngestionStarted"),
	})
}

func (h *Handler) handleKnowledgeBaseStatus(w http.ResponseWriter, r *http.Request) {
	hdl, err := h.kbs.Lookup(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hdl.Record)
}

func (h *Handler) handleSyncKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	owner := model.OwnerFromContext(r.Context())
	job, err := h.docs.Sync(r.Context(), owner, chi.URLParam(r, "courseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ingestion_job": job,
		"message":       appI18n.T(r.Context(), "IngestionStarted"),
	})
}

func (h *Handler) handleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if err := h.kbs.Delete(r.Context(), courseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("knowledge base deleted", "course_id", courseID, "owner_id", model.OwnerFromContext(r.Context()))
	writeMessage(w, http.StatusOK, appI18n.T(r.Context(), "KnowledgeBaseDeleted"))
}
