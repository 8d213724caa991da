package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/events"
)

// MessageHandler accepts customer messages.
type MessageHandler struct {
	turns  TurnRunner
	logger *slog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(turns TurnRunner, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{turns: turns, logger: logger}
}

// Post handles POST /api/v1/messages. A redelivered event id answers 200
// with duplicate set; a turn that failed and was dead-lettered answers
// 202 so the client knows it was kept for reprocessing.
func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	var msg events.InboundMessage
	if err := decode(r, &msg); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}

	res, err := h.turns.HandleInbound(r.Context(), msg)
	switch {
	case err == nil:
		response.JSON(w, http.StatusOK, models.MessageResponse{TurnResult: res})
	case errors.Is(err, conversation.ErrDuplicate):
		response.JSON(w, http.StatusOK, models.MessageResponse{
			TurnResult: &conversation.TurnResult{EventID: msg.ID, SessionID: msg.SessionID},
			Duplicate:  true,
		})
	case errors.Is(err, conversation.ErrTurnFailed) && res != nil:
		h.logger.WarnContext(r.Context(), "turn dead-lettered", "event_id", msg.ID, "error", err)
		response.JSON(w, http.StatusAccepted, models.MessageResponse{TurnResult: res})
	default:
		response.HandleError(w, err, requestID(r))
	}
}
