package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/storage"
)

// KnowledgeHandler serves the knowledge catalog.
type KnowledgeHandler struct {
	svc KnowledgeService
}

// NewKnowledgeHandler creates a KnowledgeHandler.
func NewKnowledgeHandler(svc KnowledgeService) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc}
}

// Create handles POST /api/v1/knowledge. A body carrying the id of an
// existing entry replaces it.
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.KnowledgeRequest
	if err := decode(r, &req); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	entry, err := h.svc.Ingest(r.Context(), req)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusCreated, entry)
}

// List handles GET /api/v1/knowledge?category=&inactive=&pending=&limit=.
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	entries, err := h.svc.List(r.Context(), storage.KnowledgeFilter{
		Category:        r.URL.Query().Get("category"),
		IncludeInactive: boolParam(r, "inactive"),
		PendingOnly:     boolParam(r, "pending"),
		Limit:           limit,
	})
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	if entries == nil {
		entries = []*storage.KnowledgeEntry{}
	}
	response.JSON(w, http.StatusOK, models.KnowledgeListResponse{
		Entries: entries,
		Count:   len(entries),
		Mode:    h.svc.Router().Mode(),
	})
}

// Search handles GET /api/v1/knowledge/search?q=&locale=&category=.
func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "query parameter q is required", requestID(r))
		return
	}
	matches, err := h.svc.Search(r.Context(), q, r.URL.Query().Get("locale"), r.URL.Query().Get("category"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	out := models.SearchResponse{Query: q, Hits: make([]models.SearchHit, 0, len(matches))}
	for _, m := range matches {
		out.Hits = append(out.Hits, models.SearchHit{
			ID:         m.Entry.ID,
			Category:   m.Entry.Category,
			Text:       m.Text,
			Locale:     m.Locale,
			Similarity: m.Similarity,
			Mode:       m.Mode,
		})
	}
	response.JSON(w, http.StatusOK, out)
}

// Get handles GET /api/v1/knowledge/{id}.
func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, entry)
}

// Update handles PUT /api/v1/knowledge/{id}.
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.KnowledgeRequest
	if err := decode(r, &req); err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	entry, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /api/v1/knowledge/{id}. ?soft=true deactivates
// the entry instead of removing it.
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	if boolParam(r, "soft") {
		err = h.svc.Deactivate(r.Context(), id)
	} else {
		err = h.svc.Delete(r.Context(), id)
	}
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
