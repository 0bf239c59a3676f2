package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bookhaven/api/internal/platform/httpx"
	"github.com/bookhaven/api/internal/services"
)

type sweepResponse struct {
	OrdersExpired    int `json:"orders_expired"`
	PurchasesExpired int `json:"purchases_expired"`
	Skipped          int `json:"skipped"`
}

// InternalHandlers exposes scheduler triggers guarded by the internal token.
type InternalHandlers struct {
	sweeper services.ExpirySweeper
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(sweeper services.ExpirySweeper) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sweeps:expire", h.expire)
}

func (h *InternalHandlers) expire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "expiry sweeper unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.sweeper.Sweep(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{
		OrdersExpired:    result.OrdersExpired,
		PurchasesExpired: result.PurchasesExpired,
		Skipped:          result.Skipped,
	})
}
