package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/genassess/internal/documents"
	"github.com/pavelanni/genassess/internal/generate"
	appI18n "github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/store"
	"github.com/pavelanni/genassess/internal/versioning"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 64 << 20

// Generator starts background assessment generation.
type Generator interface {
	Start(ctx context.Context, req generate.Request) (string, error)
	StartBatch(ctx context.Context, req generate.Request) ([]generate.CourseResult, error)
}

// KnowledgeBases inspects and tears down course knowledge bases.
type KnowledgeBases interface {
	Lookup(ctx context.Context, courseID string) (*kb.Handle, error)
	Delete(ctx context.Context, courseID string) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store *store.Store
	gen   Generator
	docs  *documents.Service
	kbs   KnowledgeBases
}

// New creates a new Handler.
func New(s *store.Store, gen Generator, docs *documents.Service, kbs KnowledgeBases) *Handler {
	return &Handler{store: s, gen: gen, docs: docs, kbs: kbs}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/templates", h.handleCreateTemplate)
		r.Get("/templates", h.handleListTemplates)
		r.Get("/templates/{id}", h.handleGetTemplate)
		r.Post("/assessments", h.handleStartAssessment)
		r.Get("/assessments", h.handleListAssessments)
		r.Get("/assessments/{id}", h.handleGetAssessment)
		r.Route("/courses/{courseID}", h.courseRoutes)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl model.AssessmentTemplate
	if !decodeBody(w, r, &tpl) {
		return
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.DocLanguage == "" {
		tpl.DocLanguage = "en"
	}
	tpl.OwnerID = model.OwnerFromContext(r.Context())
	if err := tpl.Validate(); err != nil {
		writeMessage(w, http.StatusUnprocessableEntity,
			appI18n.Td(r.Context(), "ErrInvalidTemplate", map[string]any{"Reason": err.Error()}))
		return
	}
	if err := h.store.CreateTemplate(r.Context(), tpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("template created", "template_id", tpl.ID, "owner_id", tpl.OwnerID)
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.store.ListTemplates(r.Context(), model.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tpls))
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tpl, err := h.store.GetTemplate(r.Context(), model.OwnerFromContext(r.Context()), id)
	if errors.Is(err, store.ErrNotFound) {
		tpl, err = h.store.FindTemplate(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handler) handleStartAssessment(w http.ResponseWriter, r *http.Request) {
	var req generate.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.OwnerID = model.OwnerFromContext(r.Context())
	req.AssessmentID = ""
	if (req.CourseID == "" && len(req.CourseIDs) == 0) || req.TemplateID == "" {
		writeMessage(w, http.StatusBadRequest,
			appI18n.Td(r.Context(), "ErrBadRequest", map[string]any{"Reason": "course_id or course_ids and template_id are required"}))
		return
	}
	if len(req.Locations) == 0 && strings.TrimSpace(req.CustomPrompt) == "" {
		h.writeError(w, r, generate.ErrNoContent)
		return
	}
	if len(req.CourseIDs) > 0 {
		h.startBatch(w, r, req)
		return
	}
	if _, err := h.kbs.Lookup(r.Context(), req.CourseID); err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			writeMessage(w, http.StatusUnprocessableEntity,
				appI18n.Td(r.Context(), "ErrNoKnowledgeBase", map[string]any{"CourseID": req.CourseID}))
			return
		}
		h.writeError(w, r, err)
		return
	}

	id, err := h.gen.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":      id,
		"status":  string(model.StatusInProgress),
		"message": appI18n.T(r.Context(), "GenerationStarted"),
	})
}

// startBatch starts one assessment per course. Courses that cannot start
// are reported in the results instead of failing the request.
func (h *Handler) startBatch(w http.ResponseWriter, r *http.Request, req generate.Request) {
	results, err := h.gen.StartBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"results": results,
		"message": appI18n.T(r.Context(), "GenerationStarted"),
	})
}

func (h *Handler) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListAssessments(r.Context(), model.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAssessment(r.Context(), model.OwnerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// writeError maps domain errors to a status and a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, generate.ErrNoContent):
		writeMessage(w, http.StatusBadRequest, appI18n.T(ctx, "ErrNoContent"))
	case errors.Is(err, generate.ErrForeignDocument):
		writeMessage(w, http.StatusBadRequest, appI18n.Td(ctx, "ErrForeignDocument", map[string]any{"Reason": err.Error()}))
	case errors.Is(err, generate.ErrNoCourse), errors.Is(err, documents.ErrInvalidName):
		writeMessage(w, http.StatusBadRequest, appI18n.Td(ctx, "ErrBadRequest", map[string]any{"Reason": err.Error()}))
	case errors.Is(err, versioning.ErrNotArchived):
		writeMessage(w, http.StatusBadRequest, appI18n.T(ctx, "ErrNotArchived"))
	case errors.Is(err, generate.ErrTemplateNotFound):
		writeMessage(w, http.StatusNotFound, appI18n.Td(ctx, "ErrNotFound", map[string]any{"What": "Template"}))
	case errors.Is(err, kb.ErrNotFound):
		writeMessage(w, http.StatusNotFound, appI18n.Td(ctx, "ErrNotFound", map[string]any{"What": "Knowledge base"}))
	case errors.Is(err, documents.ErrNotFound):
		writeMessage(w, http.StatusNotFound, appI18n.Td(ctx, "ErrNotFound", map[string]any{"What": "Document"}))
	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, appI18n.Td(ctx, "ErrNotFound", map[string]any{"What": "Record"}))
	case errors.Is(err, generate.ErrInvalidTemplate):
		writeMessage(w, http.StatusUnprocessableEntity, appI18n.Td(ctx, "ErrInvalidTemplate", map[string]any{"Reason": err.Error()}))
	case errors.Is(err, generate.ErrContentLeak), errors.Is(err, generate.ErrMalformedOutput), errors.Is(err, generate.ErrNoQuestions):
		writeMessage(w, http.StatusUnprocessableEntity, appI18n.Td(ctx, "ErrGenerationFailed", map[string]any{"Reason": err.Error()}))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, appI18n.T(ctx, "ErrInternal"))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest,
			appI18n.Td(r.Context(), "ErrBadRequest", map[string]any{"Reason": err.Error()}))
		return false
	}
	return true
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	key := "message"
	if status >= http.StatusBadRequest {
		key = "error"
	}
	writeJSON(w, status, map[string]string{key: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
