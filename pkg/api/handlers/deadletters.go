package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/conversation"
)

// DeadLetterHandler serves the dead-letter queue.
type DeadLetterHandler struct {
	svc    DeadLetterService
	logger *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(svc DeadLetterService, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/dead-letters?limit=, oldest first.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	q := h.svc.DeadLetters()
	letters, err := q.List(r.Context(), limit)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	total, err := q.Len(r.Context())
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if letters == nil {
		letters = []*conversation.DeadLetter{}
	}
	response.JSON(w, http.StatusOK, models.DeadLetterListResponse{DeadLetters: letters, Count: len(letters), Total: total})
}

// Reprocess handles POST /api/v1/dead-letters/{id}/reprocess. A run that
// fails again keeps the letter and answers 502 with the updated result.
func (h *DeadLetterHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.svc.Reprocess(r.Context(), id)
	switch {
	case err == nil:
		response.JSON(w, http.StatusOK, models.MessageResponse{TurnResult: res})
	case errors.Is(err, conversation.ErrTurnFailed):
		h.logger.WarnContext(r.Context(), "dead letter reprocess failed", "event_id", id, "error", err)
		response.ErrorWithDetails(w, http.StatusBadGateway, response.ErrCodeServiceUnavailable,
			"turn failed again and stays dead-lettered", map[string]any{"event_id": id}, requestID(r))
	default:
		response.HandleError(w, err, requestID(r))
	}
}
