package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"atelier-system/services/reservation-service/internal/domain"
	"atelier-system/services/reservation-service/internal/payment"
)

// WebhookHandler receives the payment provider's asynchronous notifications.
// Deliveries may repeat and arrive out of order; anything the processor
// absorbs is acknowledged with 200 so the provider stops retrying.
type WebhookHandler struct {
	Processor *payment.OutcomeProcessor
	Secret    string
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = r.Header.Get("X-Webhook-Secret-Key")
	}
	if h.Secret == "" || secret != h.Secret {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var n payment.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	err := h.Processor.Process(r.Context(), n)
	switch {
	case errors.Is(err, payment.ErrMissingPaymentID), errors.Is(err, payment.ErrMissingReference):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown payment or reservation")
	case err != nil:
		// Store or provider trouble: answer 5xx so the provider redelivers.
		log.Printf("webhook processing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "notification processing failed")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
