package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"atelier-system/services/reservation-service/internal/domain"
	"atelier-system/services/reservation-service/internal/payment"
	"atelier-system/services/reservation-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReservations is a scriptable stand-in for the lifecycle manager.
type fakeReservations struct {
	mu            sync.Mutex
	byID          map[string]*domain.Reservation
	creates       int
	ttl           time.Duration
	now           func() time.Time
	cancelErr     error
	updateErr     error
	enteredCreate chan struct{}
	releaseCreate chan struct{}
}

func newFakeReservations(now func() time.Time) *fakeReservations {
	return &fakeReservations{
		byID: make(map[string]*domain.Reservation),
		ttl:  15 * time.Minute,
		now:  now,
	}
}

func (f *fakeReservations) Create(ctx context.Context, itemID, variantID string, shipping domain.ShippingSnapshot, buyer domain.BuyerSnapshot) (*domain.Reservation, error) {
	if f.enteredCreate != nil {
		f.enteredCreate <- struct{}{}
		<-f.releaseCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	res := &domain.Reservation{
		ID:         fmt.Sprintf("res-%d", f.creates),
		ItemID:     itemID,
		VariantID:  variantID,
		Status:     domain.StatusReserved,
		PriceCents: 45000,
		Shipping:   shipping,
		Buyer:      buyer,
		CreatedAt:  f.now(),
		ExpiresAt:  f.now().Add(f.ttl),
	}
	f.byID[res.ID] = res
	return res, nil
}

func (f *fakeReservations) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *res
	return &copied, nil
}

func (f *fakeReservations) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	res, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	return res.Cancel(f.now())
}

func (f *fakeReservations) UpdateBuyer(ctx context.Context, id string, buyer domain.BuyerSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	res, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	res.Buyer = buyer
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]CachedReservation
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]CachedReservation)}
}

func (c *memCache) Get(ctx context.Context, sessionID, itemID, variantID string) (*CachedReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(sessionID, itemID, variantID)]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (c *memCache) Set(ctx context.Context, sessionID, itemID, variantID string, entry CachedReservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(sessionID, itemID, variantID)] = entry
	return nil
}

func (c *memCache) Clear(ctx context.Context, sessionID, itemID, variantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(sessionID, itemID, variantID))
	return nil
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type fixedQuoter struct {
	options []domain.ShippingSnapshot
}

func (q fixedQuoter) Quote(ctx context.Context, postalCode string, priceCents int64) ([]domain.ShippingSnapshot, error) {
	return q.options, nil
}

type recordingPayments struct {
	last payment.Preference
}

func (p *recordingPayments) CreatePreference(ctx context.Context, pref payment.Preference) (string, error) {
	p.last = pref
	return "https://pay.example/init/123", nil
}

type sessionFixture struct {
	session      *Session
	reservations *fakeReservations
	cache        *memCache
	payments     *recordingPayments
	now          time.Time
	clockMu      sync.Mutex
}

func (f *sessionFixture) Now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *sessionFixture) Advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.reservations = newFakeReservations(f.Now)
	f.cache = newMemCache()
	f.payments = &recordingPayments{}

	catalog := repository.NewMemoryStore()
	catalog.AddItem(&domain.InventoryItem{ID: "jacket", Name: "Jacket 01", PriceCents: 45000})

	f.session = NewSession(f.reservations, catalog, fixedQuoter{}, f.payments, f.cache).WithClock(f.Now)
	return f
}

var testShipping = domain.ShippingSnapshot{
	PostalCode: "01310-100", Carrier: "Correios", Service: "SEDEX", PriceCents: 1740, DeliveryDays: 9,
}

func TestBeginCreatesAndCaches(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, res.Status)

	cached, err := f.cache.Get(ctx, "sess-1", "jacket", "")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, res.ID, cached.ReservationID)
}

func TestBeginResumesFromCache(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	second, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.reservations.creates, "a reload must not create again")
}

func TestBeginRejectsConcurrentDuplicate(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	f.reservations.enteredCreate = make(chan struct{})
	f.reservations.releaseCreate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
		done <- err
	}()

	// The first Begin is now parked inside Create and holds the guard.
	<-f.reservations.enteredCreate
	_, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	assert.ErrorIs(t, err, ErrCheckoutInProgress)

	close(f.reservations.releaseCreate)
	require.NoError(t, <-done)
}

func TestResumeDropsStaleCacheEntry(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	f.Advance(16 * time.Minute)
	second, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStatusReportsCountdown(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	f.Advance(5 * time.Minute)
	got, remaining, err := f.session.Status(ctx, "sess-1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, 10*time.Minute, remaining)
}

func TestStatusGoneAfterDeadline(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	// Past the deadline the session reports gone even before the sweep runs.
	f.Advance(16 * time.Minute)
	_, _, err = f.session.Status(ctx, "sess-1", res.ID)
	assert.ErrorIs(t, err, ErrReservationGone)
	assert.Equal(t, 0, f.cache.len(), "stale entry must be cleared")
}

func TestSubmitPaymentBuildsPreference(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	buyer := domain.BuyerSnapshot{Name: "Ana", Email: "ana@example.com"}
	redirect, err := f.session.SubmitPayment(ctx, "sess-1", res.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/init/123", redirect)

	assert.Equal(t, res.ID, f.payments.last.ExternalReference)
	assert.Equal(t, "Jacket 01", f.payments.last.Title)
	assert.Equal(t, int64(46740), f.payments.last.AmountCents)
	assert.Equal(t, "ana@example.com", f.payments.last.BuyerEmail)

	stored, err := f.reservations.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, buyer, stored.Buyer)
}

func TestSubmitPaymentGoneWhenReservationLost(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)
	require.NoError(t, f.reservations.Cancel(ctx, res.ID))

	_, err = f.session.SubmitPayment(ctx, "sess-1", res.ID, domain.BuyerSnapshot{Email: "ana@example.com"})
	assert.ErrorIs(t, err, ErrReservationGone)
	assert.Equal(t, 0, f.cache.len())
}

func TestCancelFoldsLostRace(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)

	f.reservations.cancelErr = domain.ErrAlreadyTerminal
	assert.ErrorIs(t, f.session.Cancel(ctx, "sess-1", res.ID), ErrReservationGone)
	assert.Equal(t, 0, f.cache.len())
}

func TestCancelHappyPath(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	res, err := f.session.Begin(ctx, "sess-1", "jacket", "", testShipping)
	require.NoError(t, err)
	require.NoError(t, f.session.Cancel(ctx, "sess-1", res.ID))

	stored, err := f.reservations.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, 0, f.cache.len())
}
