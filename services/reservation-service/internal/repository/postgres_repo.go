// reservation-service/internal/repository/postgres.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atelier-system/services/reservation-service/internal/domain"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// claimAttempts bounds the insert/select loop in Claim. The partial unique
// index arbitrates; the loop only covers a slot freed between statements.
const claimAttempts = 3

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunMigrations applies the SQL migrations from dir against the open database.
func (s *PostgresStore) RunMigrations(dir string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

const reservationColumns = `id, item_id, COALESCE(variant_id, ''), status, price_cents,
	shipping_postal_code, shipping_carrier, shipping_service, shipping_price_cents, shipping_delivery_days,
	buyer, created_at, expires_at, COALESCE(cancelled_at, '0001-01-01'), COALESCE(finalized_at, '0001-01-01')`

func scanReservation(row interface{ Scan(...any) error }) (*domain.Reservation, error) {
	var (
		res      domain.Reservation
		buyerRaw []byte
	)
	err := row.Scan(
		&res.ID,
		&res.ItemID,
		&res.VariantID,
		&res.Status,
		&res.PriceCents,
		&res.Shipping.PostalCode,
		&res.Shipping.Carrier,
		&res.Shipping.Service,
		&res.Shipping.PriceCents,
		&res.Shipping.DeliveryDays,
		&buyerRaw,
		&res.CreatedAt,
		&res.ExpiresAt,
		&res.CancelledAt,
		&res.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(buyerRaw) > 0 {
		if err := json.Unmarshal(buyerRaw, &res.Buyer); err != nil {
			return nil, err
		}
	}
	return &res, nil
}

// nullableVariant maps the empty variant id to NULL so regular items key on
// (item_id, NULL) and the COALESCE in the unique index stays uniform.
func nullableVariant(variantID string) sql.NullString {
	return sql.NullString{String: variantID, Valid: variantID != ""}
}

func (s *PostgresStore) Claim(ctx context.Context, res *domain.Reservation) (*domain.Reservation, bool, error) {
	buyerRaw, err := json.Marshal(res.Buyer)
	if err != nil {
		return nil, false, err
	}

	insert := `INSERT INTO reservations
		(id, item_id, variant_id, status, price_cents,
		 shipping_postal_code, shipping_carrier, shipping_service, shipping_price_cents, shipping_delivery_days,
		 buyer, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (item_id, (COALESCE(variant_id, ''))) WHERE status = 'reserved' DO NOTHING`

	for attempt := 0; attempt < claimAttempts; attempt++ {
		result, err := s.db.ExecContext(ctx, insert,
			res.ID,
			res.ItemID,
			nullableVariant(res.VariantID),
			res.Status,
			res.PriceCents,
			res.Shipping.PostalCode,
			res.Shipping.Carrier,
			res.Shipping.Service,
			res.Shipping.PriceCents,
			res.Shipping.DeliveryDays,
			buyerRaw,
			res.CreatedAt,
			res.ExpiresAt,
		)
		if err != nil {
			return nil, false, err
		}
		if rows, _ := result.RowsAffected(); rows == 1 {
			return res, true, nil
		}

		// Insert lost to an existing active reservation; hand that one back.
		existing, err := s.FindActive(ctx, res.ItemID, res.VariantID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// The holder left the reserved state between our two statements.
	}
	return nil, false, fmt.Errorf("could not claim reservation slot for %s", domain.Key(res.ItemID, res.VariantID))
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	res, err := scanReservation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return res, err
}

func (s *PostgresStore) FindActive(ctx context.Context, itemID, variantID string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
	          WHERE item_id = $1 AND COALESCE(variant_id, '') = $2 AND status = 'reserved'`
	res, err := scanReservation(s.db.QueryRowContext(ctx, query, itemID, variantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (s *PostgresStore) Cancel(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE reservations SET status = $1, cancelled_at = $2
	          WHERE id = $3 AND status = 'reserved'`
	result, err := s.db.ExecContext(ctx, query, domain.StatusCancelled, at, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.classifyLostUpdate(ctx, id, false, at)
	}
	return nil
}

func (s *PostgresStore) FinalizeAndMarkSold(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Single conditional write arbitrates every race on the reservation row.
	query := `UPDATE reservations SET status = $1, finalized_at = $2
	          WHERE id = $3 AND status = 'reserved' AND expires_at > $2
	          RETURNING item_id, COALESCE(variant_id, '')`
	var itemID, variantID string
	err = tx.QueryRowContext(ctx, query, domain.StatusFinalized, at, id).Scan(&itemID, &variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyLostUpdate(ctx, id, true, at)
	}
	if err != nil {
		return err
	}

	target := itemID
	if variantID != "" {
		target = variantID
	}
	result, err := tx.ExecContext(ctx, `UPDATE items SET sold = TRUE WHERE id = $1 AND sold = FALSE`, target)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Sold through another channel; the finalize must not stand.
		return domain.ErrItemUnavailable
	}

	return tx.Commit()
}

func (s *PostgresStore) Expire(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE reservations SET status = $1, cancelled_at = $2
	          WHERE id = $3 AND status = 'reserved' AND expires_at <= $2`
	result, err := s.db.ExecContext(ctx, query, domain.StatusExpired, at, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		res, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if res.Terminal() {
			return domain.ErrAlreadyTerminal
		}
		return domain.ErrNotYetExpired
	}
	return nil
}

func (s *PostgresStore) UpdateBuyer(ctx context.Context, id string, buyer domain.BuyerSnapshot) error {
	buyerRaw, err := json.Marshal(buyer)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET buyer = $1 WHERE id = $2 AND status = 'reserved'`, buyerRaw, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.classifyLostUpdate(ctx, id, false, time.Time{})
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	query := `UPDATE reservations SET status = $1, cancelled_at = $2
	          WHERE status = 'reserved' AND expires_at <= $2
	          RETURNING id`
	rows, err := s.db.QueryContext(ctx, query, domain.StatusExpired, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE status = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	return s.getItem(ctx, `SELECT id, COALESCE(parent_id, ''), name, price_cents, image_url, sold
	                       FROM items WHERE id = $1`, id)
}

func (s *PostgresStore) GetVariant(ctx context.Context, itemID, variantID string) (*domain.InventoryItem, error) {
	return s.getItem(ctx, `SELECT id, COALESCE(parent_id, ''), name, price_cents, image_url, sold
	                       FROM items WHERE id = $2 AND parent_id = $1`, itemID, variantID)
}

func (s *PostgresStore) getItem(ctx context.Context, query string, args ...any) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.ID, &item.ParentID, &item.Name, &item.PriceCents, &item.ImageURL, &item.Sold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// classifyLostUpdate turns a zero-row conditional update into the error the
// caller can branch on. checkExpiry distinguishes a still-reserved row that
// only failed the expiry guard.
func (s *PostgresStore) classifyLostUpdate(ctx context.Context, id string, checkExpiry bool, at time.Time) error {
	res, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	if checkExpiry && res.PastExpiry(at) {
		return domain.ErrExpired
	}
	return domain.ErrAlreadyTerminal
}
