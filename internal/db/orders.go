package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/models"
)

// OrderStore persists orders and their companion eSIM profiles.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// CreateWithProfile atomically creates an order in created state together
// with its pending eSIM profile and the checkout_started funnel event. A
// partially created order is never observable. Idempotency-key races are
// resolved by the unique constraint: the loser gets ErrDuplicateKey and
// re-reads the winner's row.
func (s *OrderStore) CreateWithProfile(ctx context.Context, order *models.Order, profile *models.EsimProfile) error {
	snapshotJSON, err := json.Marshal(order.PlanSnapshot)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var idempotencyKey any
	if order.IdempotencyKey != "" {
		idempotencyKey = order.IdempotencyKey
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, plan_id, plan_snapshot, status, amount_minor_units, currency, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, order_number, created_at
	`,
		order.UserID,
		order.PlanID,
		snapshotJSON,
		string(order.Status),
		order.AmountMinorUnits,
		order.Currency,
		idempotencyKey,
	).Scan(&order.ID, &order.OrderNumber, &order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: idempotency key %q", ErrDuplicateKey, order.IdempotencyKey)
		}
		return err
	}

	profile.OrderID = order.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO esim_profiles (order_id, user_id, plan_id, country_id, carrier_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		profile.OrderID,
		profile.UserID,
		nullableUUID(profile.PlanID),
		nullableUUID(profile.CountryID),
		nullableUUID(profile.CarrierID),
		string(profile.Status),
	).Scan(&profile.ID, &profile.CreatedAt)
	if err != nil {
		return err
	}

	event := models.AnalyticsEvent{
		EventType:        models.EventCheckoutStarted,
		UserID:           order.UserID,
		OrderID:          order.ID,
		PlanID:           order.PlanID,
		AmountMinorUnits: order.AmountMinorUnits,
		Currency:         order.Currency,
		Metadata:         map[string]any{"plan_name": order.PlanSnapshot.Name},
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return s.getOne(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *OrderStore) GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.getOne(ctx, `WHERE id = $1`, orderID)
}

// GetForUser returns the order only when it belongs to the given user.
func (s *OrderStore) GetForUser(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	return s.getOne(ctx, `WHERE id = $1 AND user_id = $2`, orderID, userID)
}

func (s *OrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, orderSelect+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

const orderSelect = `
	SELECT id, order_number, user_id, plan_id, plan_snapshot, status,
	       amount_minor_units, currency, idempotency_key, created_at, paid_at
	FROM orders
`

func (s *OrderStore) getOne(ctx context.Context, where string, args ...any) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, orderSelect+where, args...)
	order, err := scanOrder(row)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order          models.Order
		snapshotJSON   []byte
		idempotencyKey pgtype.Text
		paidAt         pgtype.Timestamptz
	)

	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.PlanID,
		&snapshotJSON,
		&order.Status,
		&order.AmountMinorUnits,
		&order.Currency,
		&idempotencyKey,
		&order.CreatedAt,
		&paidAt,
	)
	if err != nil {
		return nil, err
	}

	if idempotencyKey.Valid {
		order.IdempotencyKey = idempotencyKey.String
	}
	order.PaidAt = timeValue(paidAt)

	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &order.PlanSnapshot); err != nil {
			return nil, err
		}
	}

	return &order, nil
}
