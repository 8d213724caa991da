package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/storage"
)

// HandoffHandler serves the human-agent queue.
type HandoffHandler struct {
	store storage.HandoffStore
	now   func() time.Time
}

// NewHandoffHandler creates a HandoffHandler.
func NewHandoffHandler(store storage.HandoffStore) *HandoffHandler {
	return &HandoffHandler{store: store, now: time.Now}
}

// List handles GET /api/v1/handoffs?status=&session_id=&limit=.
func (h *HandoffHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	status := storage.HandoffStatus(r.URL.Query().Get("status"))
	switch status {
	case "", storage.HandoffPending, storage.HandoffResolved, storage.HandoffIgnored:
	default:
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			fmt.Sprintf("unknown handoff status %q", status), requestID(r))
		return
	}
	list, err := h.store.ListHandoffs(r.Context(), storage.HandoffFilter{
		Status:    status,
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     limit,
	})
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if list == nil {
		list = []*storage.HandoffRecord{}
	}
	response.JSON(w, http.StatusOK, models.HandoffListResponse{Handoffs: list, Count: len(list)})
}

// Resolve handles POST /api/v1/handoffs/{id}/resolve. Only pending
// handoffs can be resolved; the status defaults to resolved.
func (h *HandoffHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveHandoffRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			response.HandleError(w, err, requestID(r))
			return
		}
	}
	if req.Status == "" {
		req.Status = storage.HandoffResolved
	}

	rec, err := h.store.GetHandoff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if rec.Status != storage.HandoffPending {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict,
			fmt.Sprintf("handoff is already %s", rec.Status), requestID(r))
		return
	}
	at := h.now().UTC()
	rec.Status = req.Status
	rec.Notes = req.Notes
	rec.ResolvedAt = &at
	if err := h.store.UpdateHandoff(r.Context(), rec); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, rec)
}
