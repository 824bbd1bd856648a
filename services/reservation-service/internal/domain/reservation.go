// reservation-service/internal/domain/reservation.go
package domain

import (
	"errors"
	"time"
)

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusFinalized ReservationStatus = "finalized"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

var (
	ErrItemUnavailable     = errors.New("item already sold")
	ErrVariantUnavailable  = errors.New("variant already sold")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyTerminal     = errors.New("reservation already left the reserved state")
	ErrExpired             = errors.New("reservation expired")
	ErrNotYetExpired       = errors.New("reservation has not reached its expiry time")
	ErrUpstreamUnavailable = errors.New("upstream collaborator unavailable")
)

// ShippingSnapshot is the shipping selection copied into a reservation at
// creation time. Later rate changes never touch an in-flight checkout.
type ShippingSnapshot struct {
	PostalCode   string `json:"postal_code"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	PriceCents   int64  `json:"price_cents"`
	DeliveryDays int    `json:"delivery_days"`
}

type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
}

// BuyerSnapshot holds the last buyer data the shopper submitted. The lifecycle
// manager only ever reads snapshots, never live form state.
type BuyerSnapshot struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Phone    string  `json:"phone"`
	Document string  `json:"document"`
	Address  Address `json:"address"`
}

// Reservation is a time-boxed claim on one inventory unit by one shopper.
// Rows are never deleted; terminal reservations stay behind as the audit trail.
type Reservation struct {
	ID          string
	ItemID      string
	VariantID   string // empty for regular items
	Status      ReservationStatus
	PriceCents  int64
	Shipping    ShippingSnapshot
	Buyer       BuyerSnapshot
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CancelledAt time.Time
	FinalizedAt time.Time
}

// TotalCents is the amount charged at checkout: price snapshot plus shipping.
func (r *Reservation) TotalCents() int64 {
	return r.PriceCents + r.Shipping.PriceCents
}

func (r *Reservation) PastExpiry(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Reservation) Terminal() bool {
	return r.Status != StatusReserved
}

func (r *Reservation) Cancel(now time.Time) error {
	if r.Status != StatusReserved {
		return ErrAlreadyTerminal
	}
	r.Status = StatusCancelled
	r.CancelledAt = now
	return nil
}

func (r *Reservation) Finalize(now time.Time) error {
	if r.Status != StatusReserved {
		return ErrAlreadyTerminal
	}
	if r.PastExpiry(now) {
		return ErrExpired
	}
	r.Status = StatusFinalized
	r.FinalizedAt = now
	return nil
}

func (r *Reservation) Expire(now time.Time) error {
	if r.Status != StatusReserved {
		return ErrAlreadyTerminal
	}
	if !r.PastExpiry(now) {
		return ErrNotYetExpired
	}
	r.Status = StatusExpired
	r.CancelledAt = now
	return nil
}

// Key identifies the contended reservation slot. A regular item is keyed by
// its own id, a variant by item id plus variant id.
func Key(itemID, variantID string) string {
	if variantID == "" {
		return itemID
	}
	return itemID + "_" + variantID
}
