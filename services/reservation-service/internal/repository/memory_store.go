package repository

import (
	"context"
	"sync"
	"time"

	"atelier-system/services/reservation-service/internal/domain"
)

// MemoryStore implements the reservation repository and catalog in memory.
// Used by tests and local runs; the mutex gives it the same atomicity
// contract the Postgres unique index provides.
type MemoryStore struct {
	mu           sync.Mutex
	items        map[string]*domain.InventoryItem
	reservations map[string]*domain.Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:        make(map[string]*domain.InventoryItem),
		reservations: make(map[string]*domain.Reservation),
	}
}

// AddItem seeds the catalog. Not part of the repository contract.
func (s *MemoryStore) AddItem(item *domain.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.items[item.ID] = &copied
}

func (s *MemoryStore) Claim(ctx context.Context, res *domain.Reservation) (*domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.Key(res.ItemID, res.VariantID)
	for _, existing := range s.reservations {
		if existing.Status == domain.StatusReserved && domain.Key(existing.ItemID, existing.VariantID) == key {
			copied := *existing
			return &copied, false, nil
		}
	}

	copied := *res
	s.reservations[res.ID] = &copied
	return res, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *res
	return &copied, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, itemID, variantID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.Key(itemID, variantID)
	for _, res := range s.reservations {
		if res.Status == domain.StatusReserved && domain.Key(res.ItemID, res.VariantID) == key {
			copied := *res
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	return res.Cancel(at)
}

func (s *MemoryStore) FinalizeAndMarkSold(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}

	target := res.ItemID
	if res.VariantID != "" {
		target = res.VariantID
	}
	item, ok := s.items[target]
	if !ok {
		return domain.ErrNotFound
	}

	// Check both halves before mutating either; the pair must be atomic.
	if res.Status != domain.StatusReserved {
		return domain.ErrAlreadyTerminal
	}
	if res.PastExpiry(at) {
		return domain.ErrExpired
	}
	if item.Sold {
		return domain.ErrItemUnavailable
	}

	if err := res.Finalize(at); err != nil {
		return err
	}
	item.Sold = true
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	return res.Expire(at)
}

func (s *MemoryStore) UpdateBuyer(ctx context.Context, id string, buyer domain.BuyerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if res.Status != domain.StatusReserved {
		return domain.ErrAlreadyTerminal
	}
	res.Buyer = buyer
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, res := range s.reservations {
		if res.Status == domain.StatusReserved && res.PastExpiry(now) {
			if err := res.Expire(now); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Reservation
	for _, res := range s.reservations {
		if res.Status == status {
			copied := *res
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) GetVariant(ctx context.Context, itemID, variantID string) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[variantID]
	if !ok || item.ParentID != itemID {
		return nil, domain.ErrNotFound
	}
	copied := *item
	return &copied, nil
}
