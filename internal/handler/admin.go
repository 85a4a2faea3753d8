package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/middleware"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/logger"
)

// SessionService is the part of the orchestrator the admin API uses.
type SessionService interface {
	Session(ctx context.Context, userID string) (*model.UserSession, error)
	ResetHistory(ctx context.Context, userID string) error
	SetModel(ctx context.Context, userID, name string) error
	CurrentModel(ctx context.Context, userID string) model.ModelConfig
}

// EventReader replays a user's conversation events.
type EventReader interface {
	GetEvents(ctx context.Context, userID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// UserSummary is the GET /users/{id} response.
type UserSummary struct {
	UserID         string      `json:"user_id"`
	CurrentModel   string      `json:"current_model"`
	PreferredModel string      `json:"preferred_model,omitempty"`
	HistoryTurns   int         `json:"history_turns"`
	TotalTurns     int         `json:"total_turns"`
	Images         int         `json:"image_records"`
	Documents      int         `json:"document_records"`
	Stats          model.Stats `json:"stats"`
	CreatedAt      time.Time   `json:"created_at"`
}

// EventsResponse is the GET /users/{id}/events response.
type EventsResponse struct {
	Events       []model.ConversationEvent `json:"events"`
	LastSequence uint64                    `json:"last_sequence"`
	HasMore      bool                      `json:"has_more"`
}

type setModelRequest struct {
	Model string `json:"model"`
}

// AdminHandler serves the admin API.
type AdminHandler struct {
	sessions SessionService
	events   EventReader
	logger   *logger.Logger
}

// NewAdminHandler creates a new admin handler. events may be nil when NATS is not configured.
func NewAdminHandler(sessions SessionService, events EventReader, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		events:   events,
		logger:   log.Named("admin"),
	}
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/", h.GetUser)
		r.Delete("/history", h.ClearHistory)
		r.Put("/model", h.SetModel)
		r.Get("/events", h.Events)
	})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return userID, true
}

// GetUser handles GET /api/v1/users/{userID}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	session, err := h.sessions.Session(ctx, userID)
	if err != nil {
		h.logger.Error("failed to load session", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, UserSummary{
		UserID:         userID,
		CurrentModel:   h.sessions.CurrentModel(ctx, userID).Name,
		PreferredModel: session.PreferredModel,
		HistoryTurns:   len(session.History),
		TotalTurns:     session.TotalTurns,
		Images:         len(session.ImageHistory),
		Documents:      len(session.DocumentHistory),
		Stats:          session.Stats,
		CreatedAt:      session.CreatedAt,
	})
}

// ClearHistory handles DELETE /api/v1/users/{userID}/history
func (h *AdminHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if err := h.sessions.ResetHistory(r.Context(), userID); err != nil {
		h.logger.Error("failed to clear history", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetModel handles PUT /api/v1/users/{userID}/model
func (h *AdminHandler) SetModel(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req setModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateModelName(req.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.SetModel(r.Context(), userID, req.Model); err != nil {
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, cfgErr.Error())
			return
		}
		h.logger.Error("failed to set model", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to set model")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "model": req.Model})
}

// Events handles GET /api/v1/users/{userID}/events
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	after, err := middleware.ParseSequence(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"), 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.events == nil {
		writeJSON(w, http.StatusOK, EventsResponse{Events: []model.ConversationEvent{}, LastSequence: after})
		return
	}

	events, last, hasMore, err := h.events.GetEvents(r.Context(), userID, after, limit)
	if err != nil {
		h.logger.Error("failed to read events", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read events")
		return
	}
	if events == nil {
		events = []model.ConversationEvent{}
	}
	if last == 0 {
		last = after
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, LastSequence: last, HasMore: hasMore})
}
