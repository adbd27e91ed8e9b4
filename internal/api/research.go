package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/identity"
	"github.com/crestonhq/researchd/internal/rerr"
	"github.com/crestonhq/researchd/internal/runner"
	"github.com/crestonhq/researchd/internal/store"
)

const (
	maxQueryLength = 4096
	maxUploadBytes = 10 << 20
)

// ResearchHandler handles research session endpoints.
type ResearchHandler struct {
	*Handler
}

// NewResearchHandler creates a new research handler.
func NewResearchHandler(base *Handler) *ResearchHandler {
	return &ResearchHandler{Handler: base}
}

// RegisterRoutes registers research routes.
func (h *ResearchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/research", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/{id}/continue", h.Continue)
		r.Post("/{id}/upload", h.Upload)
		r.Get("/history", h.History)
		r.Get("/{id}", h.Get)
	})
}

type startRequest struct {
	Query string `json:"query"`
}

// Start creates a new research session and returns it immediately; the run
// itself happens on the worker pool.
func (h *ResearchHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	query, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	session, err := h.svc.StartSession(r.Context(), userID, query)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusAccepted, session)
}

// Continue creates a continuation of a terminal session owned by the caller.
func (h *ResearchHandler) Continue(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	parentID := chi.URLParam(r, "id")

	parent, err := h.ownedSession(r.Context(), userID, parentID)
	if err != nil {
		slog.Error("Failed to load parent session", "error", err, "session_id", parentID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if parent == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	query, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	session, err := h.svc.ContinueSession(r.Context(), userID, parentID, query)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusAccepted, session)
}

// Upload attaches a document to a session. Processing is asynchronous; the
// response carries the document in processing state.
func (h *ResearchHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "id")

	session, err := h.ownedSession(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to load session for upload", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	name := strings.ToLower(header.Filename)
	if !strings.HasSuffix(name, ".pdf") && !strings.HasSuffix(name, ".txt") {
		Error(w, http.StatusUnsupportedMediaType, "only .pdf and .txt files are supported")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read file")
		return
	}

	doc, err := h.svc.UploadDocument(r.Context(), sessionID, header.Filename, data)
	if err != nil {
		h.writeServiceError(w, err, userID)
		return
	}
	JSON(w, http.StatusAccepted, doc)
}

// Get returns a session with its summary, reasoning, documents and cost.
func (h *ResearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "id")

	detail, err := h.repo.GetSessionDetail(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session detail", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if detail == nil || detail.Session.UserID != userID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, detail)
}

// History returns the caller's sessions, newest first.
func (h *ResearchHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.ResearchSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *ResearchHandler) decodeQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return "", false
	}
	if len(req.Query) > maxQueryLength {
		Error(w, http.StatusBadRequest, "query too long")
		return "", false
	}
	return req.Query, true
}

func (h *ResearchHandler) ownedSession(ctx context.Context, userID, sessionID string) (*domain.ResearchSession, error) {
	session, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, nil
	}
	return session, nil
}

func (h *ResearchHandler) writeServiceError(w http.ResponseWriter, err error, userID string) {
	switch {
	case errors.Is(err, runner.ErrParentNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case rerr.Is(err, rerr.KindInvalidContinuation):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrQueueFull):
		Error(w, http.StatusServiceUnavailable, "server is busy, try again later")
	default:
		slog.Error("Research request failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
