package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/events"
	"github.com/crestonhq/researchd/internal/identity"
	"github.com/crestonhq/researchd/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler streams session status transitions to connected clients.
type WebSocketHandler struct {
	repo          store.Repository
	broker        *events.Broker
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a websocket handler for status streaming.
func NewWebSocketHandler(repo store.Repository, broker *events.Broker, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		broker:        broker,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session for websocket", "error", err, "session_id", sessionID)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if session == nil || session.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx := r.Context()
	ch, cancel := h.broker.Subscribe(sessionID)
	defer cancel()

	// Send the current state first so late subscribers never wait on a
	// transition that already happened.
	current := events.StatusEvent{
		SessionID: session.ID,
		Status:    session.Status,
		TraceID:   session.TraceID,
		Error:     session.ErrorMessage,
	}
	if err := h.writeEvent(ctx, ws, current); err != nil {
		return
	}
	if session.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := h.writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("WebSocket write failed", "error", err, "session_id", sessionID)
				return
			}
			if ev.Status == domain.StatusCompleted || ev.Status == domain.StatusFailed {
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev events.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
