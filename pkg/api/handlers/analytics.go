package handlers

import (
	"net/http"
	"time"

	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/memory"
)

// Budget perturbs released statistics and tracks the epsilon spent.
// *learning.PrivacyBudget implements it.
type Budget interface {
	memory.Noiser
	Spent() float64
	Remaining() float64
}

// AnalyticsHandler releases noisy conversation analytics.
type AnalyticsHandler struct {
	aggregate *memory.Aggregate
	budget    Budget
	now       func() time.Time
}

// NewAnalyticsHandler creates an AnalyticsHandler.
func NewAnalyticsHandler(aggregate *memory.Aggregate, budget Budget) *AnalyticsHandler {
	return &AnalyticsHandler{aggregate: aggregate, budget: budget, now: time.Now}
}

// Get handles GET /api/v1/analytics. Every call spends privacy budget;
// once it is exhausted the endpoint answers 403 and releases nothing.
func (h *AnalyticsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.aggregate.Publish(h.budget)
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, models.AnalyticsResponse{
		Snapshot:         snap,
		EpsilonSpent:     h.budget.Spent(),
		EpsilonRemaining: h.budget.Remaining(),
		ReleasedAt:       h.now().UTC(),
	})
}
