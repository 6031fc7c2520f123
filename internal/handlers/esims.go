package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tribihq/tribi/internal/models"
	"github.com/tribihq/tribi/internal/services"
)

type activateEsimRequest struct {
	OrderID uuid.UUID `json:"order_id"`
}

// ActivateEsim fulfills a paid order with activation material. The call
// is idempotent; repeating it returns the same profile.
func (h *Handlers) ActivateEsim(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req activateEsimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.OrderID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id is required"})
		return
	}

	profile, err := h.fulfillment.ActivateEsim(r.Context(), services.ActivateEsimInput{
		UserID:    user.ID,
		OrderID:   req.OrderID,
		UserEmail: user.Email,
		UserName:  user.Name,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) GetEsim(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	profileID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid esim id"})
		return
	}

	profile, err := h.fulfillment.GetEsim(r.Context(), profileID, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) ListEsims(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	profiles, err := h.fulfillment.ListEsims(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []*models.EsimProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"esims": profiles})
}
