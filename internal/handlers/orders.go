package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/tribihq/tribi/internal/models"
	"github.com/tribihq/tribi/internal/services"
)

type createOrderRequest struct {
	PlanID uuid.UUID `json:"plan_id"`
}

// CreateOrder creates an order for the authenticated user. Clients pass
// an Idempotency-Key header to make retries safe; the response status
// tells them whether this call created the order (201) or replayed an
// earlier one (200).
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.PlanID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "plan_id is required"})
		return
	}

	order, created, err := h.fulfillment.CreateOrder(r.Context(), services.CreateOrderInput{
		UserID:         user.ID,
		PlanID:         req.PlanID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, order)
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	orders, err := h.fulfillment.ListOrders(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
