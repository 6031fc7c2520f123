package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type createPaymentRequest struct {
	OrderID  uuid.UUID `json:"order_id"`
	Provider string    `json:"provider,omitempty"`
}

type createPaymentResponse struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	OrderID      uuid.UUID `json:"order_id"`
	Provider     string    `json:"provider"`
	IntentID     string    `json:"intent_id"`
	Status       string    `json:"status"`
	ClientSecret string    `json:"client_secret,omitempty"`
}

// CreatePaymentIntent opens a payment attempt for an order the caller
// owns. The provider defaults to the configured one; retries resolve to
// the same intent.
func (h *Handlers) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.OrderID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id is required"})
		return
	}

	out, err := h.fulfillment.CreatePaymentIntent(r.Context(), user.ID, req.OrderID, req.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createPaymentResponse{
		PaymentID:    out.Payment.ID,
		OrderID:      out.Payment.OrderID,
		Provider:     out.Provider,
		IntentID:     out.Payment.IntentID,
		Status:       string(out.Payment.Status),
		ClientSecret: out.ClientSecret,
	})
}
