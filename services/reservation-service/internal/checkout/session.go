package checkout

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"atelier-system/services/reservation-service/internal/domain"
	"atelier-system/services/reservation-service/internal/payment"
)

var (
	// ErrCheckoutInProgress means another Begin call for the same slot is
	// still running in this session (double submit, rapid reload).
	ErrCheckoutInProgress = errors.New("checkout already in progress for this item")

	// ErrReservationGone folds every "you no longer hold this item" outcome
	// (lost race, expiry, cancellation elsewhere) into the one shopper-facing
	// recovery path: back to the product page.
	ErrReservationGone = errors.New("reservation no longer active")
)

// ReservationService is the slice of the lifecycle manager the session uses.
type ReservationService interface {
	Create(ctx context.Context, itemID, variantID string, shipping domain.ShippingSnapshot, buyer domain.BuyerSnapshot) (*domain.Reservation, error)
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	Cancel(ctx context.Context, id string) error
	UpdateBuyer(ctx context.Context, id string, buyer domain.BuyerSnapshot) error
}

type ShippingQuoter interface {
	Quote(ctx context.Context, postalCode string, priceCents int64) ([]domain.ShippingSnapshot, error)
}

type PaymentStarter interface {
	CreatePreference(ctx context.Context, pref payment.Preference) (string, error)
}

// Session coordinates one shopper's checkout. It is not a concurrency
// authority: every decision it makes is re-arbitrated by the store through
// the lifecycle manager. Its own job is resuming, countdown bookkeeping and
// keeping one in-flight create per slot.
type Session struct {
	reservations ReservationService
	catalog      domain.Catalog
	shipping     ShippingQuoter
	payments     PaymentStarter
	cache        Cache
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewSession(reservations ReservationService, catalog domain.Catalog, shipping ShippingQuoter, payments PaymentStarter, cache Cache) *Session {
	return &Session{
		reservations: reservations,
		catalog:      catalog,
		shipping:     shipping,
		payments:     payments,
		cache:        cache,
		now:          time.Now,
		inflight:     make(map[string]struct{}),
	}
}

// WithClock overrides the session's time source.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// QuoteShipping returns the rate options for delivering the item to
// postalCode, insured at the item's current price.
func (s *Session) QuoteShipping(ctx context.Context, itemID, variantID, postalCode string) ([]domain.ShippingSnapshot, error) {
	price, _, err := s.lookupItem(ctx, itemID, variantID)
	if err != nil {
		return nil, err
	}
	return s.shipping.Quote(ctx, postalCode, price)
}

// Begin resumes the session's cached reservation for the slot, or creates a
// new one. Only one Begin per (session, item, variant) may run at a time.
func (s *Session) Begin(ctx context.Context, sessionID, itemID, variantID string, shipping domain.ShippingSnapshot) (*domain.Reservation, error) {
	guard := sessionID + "|" + domain.Key(itemID, variantID)
	if !s.acquire(guard) {
		return nil, ErrCheckoutInProgress
	}
	defer s.release(guard)

	if res := s.resume(ctx, sessionID, itemID, variantID); res != nil {
		return res, nil
	}

	res, err := s.reservations.Create(ctx, itemID, variantID, shipping, domain.BuyerSnapshot{})
	if err != nil {
		return nil, err
	}

	entry := CachedReservation{ReservationID: res.ID, ExpiresAt: res.ExpiresAt}
	if err := s.cache.Set(ctx, sessionID, itemID, variantID, entry); err != nil {
		log.Printf("reservation cache write failed: %v", err)
	}
	return res, nil
}

// resume returns the still-valid reservation the session already holds for
// the slot, if any. The cache is advisory: a hit is re-checked server-side.
func (s *Session) resume(ctx context.Context, sessionID, itemID, variantID string) *domain.Reservation {
	cached, err := s.cache.Get(ctx, sessionID, itemID, variantID)
	if err != nil {
		log.Printf("reservation cache read failed: %v", err)
		return nil
	}
	if cached == nil {
		return nil
	}
	if !cached.ExpiresAt.After(s.now()) {
		s.clearCache(ctx, sessionID, itemID, variantID)
		return nil
	}

	res, err := s.reservations.Get(ctx, cached.ReservationID)
	if err != nil || res.Terminal() || res.PastExpiry(s.now()) {
		s.clearCache(ctx, sessionID, itemID, variantID)
		return nil
	}
	return res
}

// Status is the countdown poll: current reservation plus remaining time.
// Once the deadline passes the session reports the reservation gone without
// waiting for the server-side sweep.
func (s *Session) Status(ctx context.Context, sessionID, reservationID string) (*domain.Reservation, time.Duration, error) {
	res, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, 0, err
	}
	if res.Terminal() || res.PastExpiry(s.now()) {
		s.clearCache(ctx, sessionID, res.ItemID, res.VariantID)
		return nil, 0, ErrReservationGone
	}
	return res, res.ExpiresAt.Sub(s.now()), nil
}

// SubmitPayment re-verifies the reservation, snapshots the buyer data and
// returns the hosted-payment redirect URL. The reservation id travels as the
// provider's external reference.
func (s *Session) SubmitPayment(ctx context.Context, sessionID, reservationID string, buyer domain.BuyerSnapshot) (string, error) {
	res, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		return "", err
	}
	if res.Terminal() || res.PastExpiry(s.now()) {
		s.clearCache(ctx, sessionID, res.ItemID, res.VariantID)
		return "", ErrReservationGone
	}

	if err := s.reservations.UpdateBuyer(ctx, reservationID, buyer); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			s.clearCache(ctx, sessionID, res.ItemID, res.VariantID)
			return "", ErrReservationGone
		}
		return "", err
	}

	_, name, err := s.lookupItem(ctx, res.ItemID, res.VariantID)
	if err != nil {
		return "", err
	}

	return s.payments.CreatePreference(ctx, payment.Preference{
		BuyerEmail:        buyer.Email,
		Title:             name,
		AmountCents:       res.TotalCents(),
		ExternalReference: res.ID,
	})
}

// Cancel is the explicit shopper cancellation. Losing the race to another
// exit reports the same gone outcome the UI already handles.
func (s *Session) Cancel(ctx context.Context, sessionID, reservationID string) error {
	res, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	defer s.clearCache(ctx, sessionID, res.ItemID, res.VariantID)

	if err := s.reservations.Cancel(ctx, reservationID); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return ErrReservationGone
		}
		return err
	}
	return nil
}

func (s *Session) lookupItem(ctx context.Context, itemID, variantID string) (int64, string, error) {
	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		return 0, "", err
	}
	if variantID == "" {
		return item.PriceCents, item.Name, nil
	}
	variant, err := s.catalog.GetVariant(ctx, itemID, variantID)
	if err != nil {
		return 0, "", err
	}
	return variant.PriceCents, item.Name, nil
}

func (s *Session) clearCache(ctx context.Context, sessionID, itemID, variantID string) {
	if err := s.cache.Clear(ctx, sessionID, itemID, variantID); err != nil {
		log.Printf("reservation cache clear failed: %v", err)
	}
}

func (s *Session) acquire(guard string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[guard]; busy {
		return false
	}
	s.inflight[guard] = struct{}{}
	return true
}

func (s *Session) release(guard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, guard)
}
