package models

import (
	"time"

	"github.com/google/uuid"
)

type EsimStatus string

const (
	EsimStatusPendingActivation  EsimStatus = "pending_activation"
	EsimStatusActive             EsimStatus = "active"
	EsimStatusProvisioningFailed EsimStatus = "provisioning_failed"
)

type InventoryStatus string

const (
	InventoryStatusAvailable InventoryStatus = "available"
	InventoryStatusReserved  InventoryStatus = "reserved"
	InventoryStatusAssigned  InventoryStatus = "assigned"
	InventoryStatusRetired   InventoryStatus = "retired"
)

// EsimProfile is the customer-facing fulfillment record for one order
// (one-to-one). Once ProvisionedAt is set the profile is immutable and
// repeated activation calls return it as-is.
type EsimProfile struct {
	ID                uuid.UUID      `json:"id"`
	OrderID           uuid.UUID      `json:"order_id"`
	UserID            uuid.UUID      `json:"user_id"`
	PlanID            uuid.UUID      `json:"plan_id"`
	CountryID         uuid.UUID      `json:"country_id,omitzero"`
	CarrierID         uuid.UUID      `json:"carrier_id,omitzero"`
	InventoryItemID   uuid.UUID      `json:"inventory_item_id,omitzero"`
	ActivationCode    string         `json:"activation_code,omitempty"`
	ICCID             string         `json:"iccid,omitempty"`
	QRPayload         string         `json:"qr_payload,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Status            EsimStatus     `json:"status"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	ProviderPayload   map[string]any `json:"provider_payload,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ProvisionedAt     time.Time      `json:"provisioned_at,omitzero"`
}

// Provisioned reports whether any prior activation attempt completed.
func (p *EsimProfile) Provisioned() bool {
	return !p.ProvisionedAt.IsZero()
}

// EsimInventoryItem is one concrete activation unit. Items enter the pool
// as available (pre-provisioned stock) or assigned (created on demand from
// a provider response, kept for the audit trail). An item that left
// available never returns automatically; retirement is a manual act.
type EsimInventoryItem struct {
	ID                uuid.UUID       `json:"id"`
	PlanID            uuid.UUID       `json:"plan_id,omitzero"`
	CountryID         uuid.UUID       `json:"country_id,omitzero"`
	CarrierID         uuid.UUID       `json:"carrier_id,omitzero"`
	ActivationCode    string          `json:"activation_code"`
	ICCID             string          `json:"iccid,omitempty"`
	QRPayload         string          `json:"qr_payload,omitempty"`
	Instructions      string          `json:"instructions,omitempty"`
	Status            InventoryStatus `json:"status"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	ProviderPayload   map[string]any  `json:"provider_payload,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ReservedAt        time.Time       `json:"reserved_at,omitzero"`
	AssignedAt        time.Time       `json:"assigned_at,omitzero"`
}
