package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"atelier-system/services/reservation-service/internal/domain"
)

var (
	ErrMissingPaymentID = errors.New("notification carries no payment id")
	ErrMissingReference = errors.New("payment carries no external reference")
)

// Notification is the provider's webhook body. Older payloads put the
// payment id at the top level, newer ones under data.
type Notification struct {
	ID   json.Number `json:"id"`
	Type string      `json:"type"`
	Data struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

func (n Notification) PaymentID() string {
	if n.ID.String() != "" {
		return n.ID.String()
	}
	return n.Data.ID.String()
}

// PaymentFetcher resolves a payment id into its current state.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// ReservationDriver is the slice of the lifecycle manager the processor
// drives.
type ReservationDriver interface {
	Finalize(ctx context.Context, reservationID string) error
	Cancel(ctx context.Context, reservationID string) error
}

// OutcomeProcessor consumes payment notifications and drives the matching
// reservation. Deliveries are at-least-once and unordered: replays and stale
// statuses must be absorbed, never surfaced as failures, so the provider can
// always be acknowledged.
type OutcomeProcessor struct {
	payments     PaymentFetcher
	reservations ReservationDriver
}

func NewOutcomeProcessor(payments PaymentFetcher, reservations ReservationDriver) *OutcomeProcessor {
	return &OutcomeProcessor{payments: payments, reservations: reservations}
}

func (p *OutcomeProcessor) Process(ctx context.Context, n Notification) error {
	paymentID := n.PaymentID()
	if paymentID == "" {
		return ErrMissingPaymentID
	}

	pay, err := p.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("resolving payment %s: %w", paymentID, err)
	}
	if pay.ExternalReference == "" {
		return ErrMissingReference
	}
	reservationID := pay.ExternalReference

	switch pay.Status {
	case StatusApproved:
		err := p.reservations.Finalize(ctx, reservationID)
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// Replay after the finalize already won; nothing left to do.
			log.Printf("payment %s: reservation %s already settled", paymentID, reservationID)
			return nil
		}
		if errors.Is(err, domain.ErrExpired) {
			// Approval landed after the slot was released. The reservation
			// stays expired; settlement is an operator concern, not a retry.
			log.Printf("payment %s approved after reservation %s expired", paymentID, reservationID)
			return nil
		}
		return err

	case StatusPending, StatusInProcess:
		// Not settled yet; a later notification decides.
		return nil

	default:
		err := p.reservations.Cancel(ctx, reservationID)
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// Either a replay, or a stale failure arriving after approval.
			// A finalized reservation is never downgraded.
			log.Printf("payment %s (%s): reservation %s already settled", paymentID, pay.Status, reservationID)
			return nil
		}
		return err
	}
}
