// reservation-service/internal/handlers/checkout.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"atelier-system/services/reservation-service/internal/checkout"
	"atelier-system/services/reservation-service/internal/domain"
	"atelier-system/services/reservation-service/internal/lifecycle"
)

// CheckoutHandler is the shopper-facing HTTP surface: begin/resume a
// checkout, poll the countdown, cancel, submit payment.
type CheckoutHandler struct {
	Session   *checkout.Session
	Lifecycle *lifecycle.Manager
}

type beginRequest struct {
	ItemID    string                  `json:"item_id"`
	VariantID string                  `json:"variant_id,omitempty"`
	Shipping  domain.ShippingSnapshot `json:"shipping"`
}

type reservationResponse struct {
	ReservationID    string    `json:"reservation_id"`
	Status           string    `json:"status"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
	PriceCents       int64     `json:"price_cents"`
	ShippingCents    int64     `json:"shipping_cents"`
	TotalCents       int64     `json:"total_cents"`
}

func newReservationResponse(res *domain.Reservation, remaining time.Duration) reservationResponse {
	if remaining < 0 {
		remaining = 0
	}
	return reservationResponse{
		ReservationID:    res.ID,
		Status:           string(res.Status),
		ExpiresAt:        res.ExpiresAt,
		RemainingSeconds: int(remaining / time.Second),
		PriceCents:       res.PriceCents,
		ShippingCents:    res.Shipping.PriceCents,
		TotalCents:       res.TotalCents(),
	}
}

func sessionID(r *http.Request) string {
	return r.Header.Get("X-Session-ID")
}

// HandleBegin starts or resumes a checkout for one item.
func (h *CheckoutHandler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing X-Session-ID header")
		return
	}

	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "invalid checkout request")
		return
	}

	res, err := h.Session.Begin(r.Context(), sid, req.ItemID, req.VariantID, req.Shipping)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, domain.ErrItemUnavailable), errors.Is(err, domain.ErrVariantUnavailable):
		writeError(w, http.StatusConflict, "this item is no longer available")
	case errors.Is(err, checkout.ErrCheckoutInProgress):
		writeError(w, http.StatusConflict, "checkout already in progress")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not start checkout")
	default:
		writeJSON(w, http.StatusCreated, newReservationResponse(res, time.Until(res.ExpiresAt)))
	}
}

// HandleStatus is the countdown poll used by the checkout page.
func (h *CheckoutHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	res, remaining, err := h.Session.Status(r.Context(), sessionID(r), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, checkout.ErrReservationGone):
		writeError(w, http.StatusGone, "your reservation expired")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not load reservation")
	default:
		writeJSON(w, http.StatusOK, newReservationResponse(res, remaining))
	}
}

// HandleCancel is the explicit shopper cancellation.
func (h *CheckoutHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	err := h.Session.Cancel(r.Context(), sessionID(r), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, checkout.ErrReservationGone):
		writeError(w, http.StatusGone, "your reservation expired")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not cancel reservation")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
	}
}

type submitPaymentRequest struct {
	Buyer domain.BuyerSnapshot `json:"buyer"`
}

// HandleSubmitPayment re-verifies the hold and returns the hosted-payment
// redirect URL.
func (h *CheckoutHandler) HandleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Buyer.Email == "" {
		writeError(w, http.StatusBadRequest, "buyer email is required")
		return
	}

	redirectURL, err := h.Session.SubmitPayment(r.Context(), sessionID(r), r.PathValue("id"), req.Buyer)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "reservation not found")
	case errors.Is(err, checkout.ErrReservationGone):
		writeError(w, http.StatusGone, "your reservation expired")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not start payment")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirectURL})
	}
}

// HandleAvailability backs the product page's "reserved by someone else"
// badge.
func (h *CheckoutHandler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	reserved, err := h.Lifecycle.IsActive(r.Context(), r.PathValue("id"), r.URL.Query().Get("variant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not check availability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reserved": reserved})
}

// HandleShippingQuote quotes delivery options for the product page.
func (h *CheckoutHandler) HandleShippingQuote(w http.ResponseWriter, r *http.Request) {
	postalCode := r.URL.Query().Get("postal_code")
	if postalCode == "" {
		writeError(w, http.StatusBadRequest, "postal_code is required")
		return
	}

	options, err := h.Session.QuoteShipping(r.Context(), r.PathValue("id"), r.URL.Query().Get("variant"), postalCode)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "shipping rates unavailable")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not quote shipping")
	default:
		writeJSON(w, http.StatusOK, options)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
