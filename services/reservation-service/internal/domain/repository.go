package domain

import (
	"context"
	"time"
)

// ReservationRepository is the consistency boundary of the system. Every
// state transition is a single conditional write; Claim is an atomic
// check-no-active-then-insert. Implementations must never expose a read
// followed by a separate write as the uniqueness check.
type ReservationRepository interface {
	// Claim inserts res as the active reservation for its (item, variant)
	// key, or returns the reservation already holding the slot. The bool
	// reports whether res itself was inserted.
	Claim(ctx context.Context, res *Reservation) (*Reservation, bool, error)

	Get(ctx context.Context, id string) (*Reservation, error)

	// FindActive returns the reserved-status reservation for the key, or
	// nil when the slot is free.
	FindActive(ctx context.Context, itemID, variantID string) (*Reservation, error)

	// Cancel transitions reserved -> cancelled. Returns ErrAlreadyTerminal
	// when the reservation lost the race to another exit.
	Cancel(ctx context.Context, id string, at time.Time) error

	// FinalizeAndMarkSold transitions reserved -> finalized and flips the
	// referenced item (or variant) to sold, both or neither. Refuses
	// reservations past their expiry with ErrExpired.
	FinalizeAndMarkSold(ctx context.Context, id string, at time.Time) error

	// Expire transitions reserved -> expired, only once at has reached the
	// reservation's expiry time.
	Expire(ctx context.Context, id string, at time.Time) error

	// UpdateBuyer replaces the buyer snapshot of a still-reserved reservation.
	UpdateBuyer(ctx context.Context, id string, buyer BuyerSnapshot) error

	// SweepExpired expires every reserved reservation whose expiry has
	// passed and returns the ids it transitioned.
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)

	ListByStatus(ctx context.Context, status ReservationStatus) ([]*Reservation, error)
}

// Catalog is the read side of the inventory collaborator. The sold flag is
// written exclusively through ReservationRepository.FinalizeAndMarkSold.
type Catalog interface {
	GetItem(ctx context.Context, id string) (*InventoryItem, error)
	GetVariant(ctx context.Context, itemID, variantID string) (*InventoryItem, error)
}
