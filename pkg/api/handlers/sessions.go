package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/storage"
)

// SessionReader reads sessions and transcripts.
type SessionReader interface {
	storage.SessionStore
	storage.MessageStore
}

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	store    SessionReader
	sessions SessionService
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(store SessionReader, sessions SessionService) *SessionHandler {
	return &SessionHandler{store: store, sessions: sessions}
}

// Get handles GET /api/v1/sessions/{id}. ?messages=n embeds the last n
// messages.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	out := models.SessionResponse{Session: sess}
	if r.URL.Query().Has("messages") {
		limit, err := limitParamNamed(r, "messages")
		if err != nil {
			response.HandleError(w, err, requestID(r))
			return
		}
		if out.Messages, err = h.store.ListMessages(r.Context(), sess.ID, limit); err != nil {
			response.HandleError(w, err, requestID(r))
			return
		}
	}
	response.JSON(w, http.StatusOK, out)
}

// Messages handles GET /api/v1/sessions/{id}/messages.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := limitParam(r)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	response.JSON(w, http.StatusOK, models.MessageListResponse{SessionID: id, Messages: msgs, Count: len(msgs)})
}

// Close handles POST /api/v1/sessions/{id}/close.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, sess)
}

// Feedback handles POST /api/v1/sessions/{id}/feedback.
func (h *SessionHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req models.FeedbackRequest
	if err := decode(r, &req); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	id := chi.URLParam(r, "id")
	exp, err := h.sessions.Feedback(r.Context(), id, req.Rating, req.Comment)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, models.FeedbackResponse{
		SessionID: id,
		Reward:    exp.Reward,
		ReplyID:   exp.Metadata["reply_id"],
	})
}
