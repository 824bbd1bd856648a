package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"atelier-system/services/reservation-service/internal/domain"
	"atelier-system/shared/kafka"

	"github.com/google/uuid"
)

const DefaultTTL = 15 * time.Minute

// Event topics published on reservation transitions.
const (
	TopicReservationCreated   = "reservation-created"
	TopicReservationFinalized = "reservation-finalized"
	TopicReservationCancelled = "reservation-cancelled"
	TopicReservationExpired   = "reservation-expired"
)

type Config struct {
	TTL time.Duration
}

// Manager owns every state transition of a reservation. All correctness
// comes from the repository's conditional writes; the manager sequences
// them, validates catalog preconditions and emits events.
type Manager struct {
	repo    domain.ReservationRepository
	catalog domain.Catalog
	events  *kafka.Producer
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(repo domain.ReservationRepository, catalog domain.Catalog, events *kafka.Producer, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		catalog: catalog,
		events:  events,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create reserves the (item, variant) slot for one shopper. When the slot is
// already held, the holding reservation is returned instead of a duplicate,
// so a shopper re-entering checkout rejoins their own reservation.
func (m *Manager) Create(ctx context.Context, itemID, variantID string, shipping domain.ShippingSnapshot, buyer domain.BuyerSnapshot) (*domain.Reservation, error) {
	now := m.now()

	// Lazy sweep so a slot held by a timed-out reservation frees up even if
	// the background sweeper has not run yet.
	if err := m.sweep(ctx, now); err != nil {
		return nil, err
	}

	item, err := m.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Sold {
		return nil, domain.ErrItemUnavailable
	}

	price := item.PriceCents
	if variantID != "" {
		variant, err := m.catalog.GetVariant(ctx, itemID, variantID)
		if err != nil {
			return nil, err
		}
		if variant.Sold {
			return nil, domain.ErrVariantUnavailable
		}
		price = variant.PriceCents
	}

	res := &domain.Reservation{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		VariantID:  variantID,
		Status:     domain.StatusReserved,
		PriceCents: price,
		Shipping:   shipping,
		Buyer:      buyer,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}

	winner, inserted, err := m.repo.Claim(ctx, res)
	if err != nil {
		return nil, err
	}
	if inserted {
		m.publish(TopicReservationCreated, winner, map[string]interface{}{
			"expires_at":  winner.ExpiresAt.Format(time.RFC3339),
			"total_cents": winner.TotalCents(),
		})
	}
	return winner, nil
}

// IsActive reports whether the slot is currently held by someone.
func (m *Manager) IsActive(ctx context.Context, itemID, variantID string) (bool, error) {
	if err := m.sweep(ctx, m.now()); err != nil {
		return false, err
	}
	res, err := m.repo.FindActive(ctx, itemID, variantID)
	if err != nil {
		return false, err
	}
	return res != nil, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	return m.repo.Get(ctx, id)
}

// UpdateBuyer replaces the buyer snapshot on a still-reserved reservation.
func (m *Manager) UpdateBuyer(ctx context.Context, id string, buyer domain.BuyerSnapshot) error {
	return m.repo.UpdateBuyer(ctx, id, buyer)
}

func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.repo.Cancel(ctx, id, m.now()); err != nil {
		return err
	}
	m.publishID(TopicReservationCancelled, id, "shopper_cancelled")
	return nil
}

// Finalize marks the item sold and closes the reservation, both in one
// repository transaction. A finalize arriving after expiry expires the row
// instead and reports ErrExpired.
func (m *Manager) Finalize(ctx context.Context, id string) error {
	now := m.now()
	err := m.repo.FinalizeAndMarkSold(ctx, id, now)
	if errors.Is(err, domain.ErrExpired) {
		if expireErr := m.repo.Expire(ctx, id, now); expireErr == nil {
			m.publishID(TopicReservationExpired, id, "expired_before_payment")
		}
		return err
	}
	if err != nil {
		return err
	}

	if res, getErr := m.repo.Get(ctx, id); getErr == nil {
		m.publish(TopicReservationFinalized, res, map[string]interface{}{
			"total_cents": res.TotalCents(),
		})
	}
	return nil
}

func (m *Manager) Expire(ctx context.Context, id string) error {
	if err := m.repo.Expire(ctx, id, m.now()); err != nil {
		return err
	}
	m.publishID(TopicReservationExpired, id, "reservation_timeout")
	return nil
}

// SweepExpired expires every timed-out reservation and returns how many it
// transitioned. Used by the background sweeper and the lazy sweep above.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.repo.SweepExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.publishID(TopicReservationExpired, id, "reservation_timeout")
	}
	return len(ids), nil
}

func (m *Manager) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	return m.repo.ListByStatus(ctx, status)
}

func (m *Manager) sweep(ctx context.Context, now time.Time) error {
	ids, err := m.repo.SweepExpired(ctx, now)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		log.Printf("lazy sweep expired %d reservation(s)", len(ids))
	}
	for _, id := range ids {
		m.publishID(TopicReservationExpired, id, "reservation_timeout")
	}
	return nil
}

func (m *Manager) publish(topic string, res *domain.Reservation, extra map[string]interface{}) {
	if m.events == nil {
		return
	}
	message := map[string]interface{}{
		"reservation_id": res.ID,
		"item_id":        res.ItemID,
	}
	if res.VariantID != "" {
		message["variant_id"] = res.VariantID
	}
	for k, v := range extra {
		message[k] = v
	}
	m.events.Publish(topic, domain.Key(res.ItemID, res.VariantID), message)
}

func (m *Manager) publishID(topic, reservationID, reason string) {
	if m.events == nil {
		return
	}
	m.events.Publish(topic, reservationID, map[string]interface{}{
		"reservation_id": reservationID,
		"reason":         reason,
	})
}
