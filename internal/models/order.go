package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusCreated       OrderStatus = "created"
	OrderStatusPaid          OrderStatus = "paid"
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

// Order is the financial record for one plan purchase. Orders are never
// deleted; status moves forward only via webhook-driven payment events.
type Order struct {
	ID               uuid.UUID    `json:"id"`
	OrderNumber      int64        `json:"order_number"`
	UserID           uuid.UUID    `json:"user_id"`
	PlanID           uuid.UUID    `json:"plan_id"`
	PlanSnapshot     PlanSnapshot `json:"plan_snapshot"`
	Status           OrderStatus  `json:"status"`
	AmountMinorUnits int64        `json:"amount_minor_units"`
	Currency         string       `json:"currency"`
	IdempotencyKey   string       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	PaidAt           time.Time    `json:"paid_at,omitzero"`
}

type PaymentStatus string

const (
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusFailed         PaymentStatus = "failed"
)

// Payment is one external payment attempt against an order. An order may
// accumulate several attempts after failures; IntentID is unique and is
// the correlation handle for webhook delivery and replay detection.
type Payment struct {
	ID         uuid.UUID     `json:"id"`
	OrderID    uuid.UUID     `json:"order_id"`
	Provider   string        `json:"provider"`
	IntentID   string        `json:"intent_id"`
	Status     PaymentStatus `json:"status"`
	RawPayload []byte        `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
}
