package models

import (
	"time"

	"github.com/google/uuid"
)

type InvoiceStatus string

const InvoiceStatusIssued InvoiceStatus = "issued"

// Invoice is issued once per order on the first successful payment.
type Invoice struct {
	ID               uuid.UUID      `json:"id"`
	InvoiceNumber    string         `json:"invoice_number"`
	OrderID          uuid.UUID      `json:"order_id"`
	UserID           uuid.UUID      `json:"user_id"`
	Currency         string         `json:"currency"`
	AmountMinorUnits int64          `json:"amount_minor_units"`
	TaxMinorUnits    int64          `json:"tax_minor_units"`
	Status           InvoiceStatus  `json:"status"`
	IssuedAt         time.Time      `json:"issued_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type AnalyticsEventType string

const (
	EventCheckoutStarted  AnalyticsEventType = "checkout_started"
	EventPaymentSucceeded AnalyticsEventType = "payment_succeeded"
	EventEsimActivated    AnalyticsEventType = "esim_activated"
)

// AnalyticsEvent is a funnel event row, always written inside the
// transaction that produced it so replays cannot double-count.
type AnalyticsEvent struct {
	ID               uuid.UUID          `json:"id"`
	EventType        AnalyticsEventType `json:"event_type"`
	UserID           uuid.UUID          `json:"user_id,omitzero"`
	OrderID          uuid.UUID          `json:"order_id,omitzero"`
	PlanID           uuid.UUID          `json:"plan_id,omitzero"`
	AmountMinorUnits int64              `json:"amount_minor_units,omitempty"`
	Currency         string             `json:"currency,omitempty"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at"`
}
