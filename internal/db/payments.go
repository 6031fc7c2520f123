package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/models"
)

// PaymentStore persists payment attempts and applies webhook-driven
// transitions to them and to their owning orders.
type PaymentStore struct {
	pool          *pgxpool.Pool
	invoicePrefix string
}

func NewPaymentStore(pool *pgxpool.Pool, invoicePrefix string) *PaymentStore {
	if invoicePrefix == "" {
		invoicePrefix = "TRB"
	}
	return &PaymentStore{pool: pool, invoicePrefix: invoicePrefix}
}

func (s *PaymentStore) Create(ctx context.Context, payment *models.Payment) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payments (order_id, provider, intent_id, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`,
		payment.OrderID,
		payment.Provider,
		payment.IntentID,
		string(payment.Status),
		payment.RawPayload,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: intent %q", ErrDuplicateKey, payment.IntentID)
	}
	return err
}

func (s *PaymentStore) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var (
		payment models.Payment
		raw     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, provider, intent_id, status, raw_payload, created_at
		FROM payments
		WHERE intent_id = $1
	`, intentID).Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Provider,
		&payment.IntentID,
		&payment.Status,
		&raw,
		&payment.CreatedAt,
	)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	payment.RawPayload = raw
	return &payment, nil
}

// WebhookOutcome describes what a webhook delivery did.
type WebhookOutcome struct {
	PaymentID   uuid.UUID
	OrderID     uuid.UUID
	Applied     bool
	OrderStatus models.OrderStatus
}

// ApplyWebhook applies a provider status to the payment identified by
// intentID. Transitions are forward-only: a payment that already reached
// succeeded never changes again, and re-delivery of the current status is
// a no-op. On the first transition to succeeded the owning order flips to
// paid, an invoice is issued (at most once per order) and the
// payment_succeeded funnel event is recorded, all in one transaction.
func (s *PaymentStore) ApplyWebhook(ctx context.Context, intentID string, status models.PaymentStatus, rawPayload []byte) (*WebhookOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		paymentID  uuid.UUID
		orderID    uuid.UUID
		prevStatus models.PaymentStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT id, order_id, status
		FROM payments
		WHERE intent_id = $1
		FOR UPDATE
	`, intentID).Scan(&paymentID, &orderID, &prevStatus)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	outcome := &WebhookOutcome{PaymentID: paymentID, OrderID: orderID}

	if prevStatus == models.PaymentStatusSucceeded || status == prevStatus {
		// Replay or regression attempt; report current state unchanged.
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&outcome.OrderStatus)
		if err != nil {
			return nil, err
		}
		return outcome, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments SET status = $1, raw_payload = $2 WHERE id = $3
	`, string(status), rawPayload, paymentID)
	if err != nil {
		return nil, err
	}
	outcome.Applied = true

	switch status {
	case models.PaymentStatusSucceeded:
		if err := s.settleOrder(ctx, tx, orderID, paymentID, intentID); err != nil {
			return nil, err
		}
		outcome.OrderStatus = models.OrderStatusPaid
	case models.PaymentStatusFailed:
		// Never regress a paid order; a stale failure for an old attempt
		// simply leaves the order as-is.
		_, err = tx.Exec(ctx, `
			UPDATE orders SET status = $1 WHERE id = $2 AND status = $3
		`, string(models.OrderStatusPaymentFailed), orderID, string(models.OrderStatusCreated))
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&outcome.OrderStatus)
		if err != nil {
			return nil, err
		}
	default:
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&outcome.OrderStatus)
		if err != nil {
			return nil, err
		}
	}

	return outcome, tx.Commit(ctx)
}

func (s *PaymentStore) settleOrder(ctx context.Context, tx querier, orderID, paymentID uuid.UUID, intentID string) error {
	var (
		orderNumber      int64
		userID           uuid.UUID
		planID           uuid.UUID
		currency         string
		amountMinorUnits int64
	)
	err := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, paid_at = NOW()
		WHERE id = $2
		RETURNING order_number, user_id, plan_id, currency, amount_minor_units
	`, string(models.OrderStatusPaid), orderID).Scan(&orderNumber, &userID, &planID, &currency, &amountMinorUnits)
	if err != nil {
		return err
	}

	invoiceNumber := fmt.Sprintf("%s-%06d", s.invoicePrefix, orderNumber)
	metadataJSON, err := json.Marshal(map[string]any{"payment_intent": intentID})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO invoices (invoice_number, order_id, user_id, currency, amount_minor_units, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
	`, invoiceNumber, orderID, userID, currency, amountMinorUnits, metadataJSON)
	if err != nil {
		return err
	}

	return insertEvent(ctx, tx, models.AnalyticsEvent{
		EventType:        models.EventPaymentSucceeded,
		UserID:           userID,
		OrderID:          orderID,
		PlanID:           planID,
		AmountMinorUnits: amountMinorUnits,
		Currency:         currency,
		Metadata: map[string]any{
			"payment_id": paymentID.String(),
			"intent_id":  intentID,
		},
	})
}
