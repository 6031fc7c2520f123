package db

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/models"
)

// InventoryStore manages the pool of pre-provisioned activation units.
type InventoryStore struct {
	pool *pgxpool.Pool
}

func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// ReserveFilters narrows a claim to matching stock. The most specific
// populated filter wins: plan, then country, then carrier.
type ReserveFilters struct {
	PlanID    uuid.UUID
	CountryID uuid.UUID
	CarrierID uuid.UUID
}

// reserveItem claims the oldest available item matching the filters and
// flips it to reserved. FOR UPDATE SKIP LOCKED makes concurrent claimers
// bypass each other's candidate rows instead of queuing behind them, so
// two callers can never receive the same item. It runs inside the
// caller's transaction: an activation that fails or loses its race rolls
// the claim back to available instead of stranding the row in reserved.
// Returns (nil, nil) when no unlocked available item matches; exhaustion
// is a control-flow signal for the provisioning fallback, not an error.
func reserveItem(ctx context.Context, tx pgx.Tx, filters ReserveFilters) (*models.EsimInventoryItem, error) {
	where, args := reserveFilterClause(filters)

	row := tx.QueryRow(ctx, `
		SELECT id, plan_id, country_id, carrier_id, activation_code, iccid, qr_payload,
		       instructions, status, provider_reference, provider_payload, created_at, reserved_at, assigned_at
		FROM esim_inventory
		WHERE status = 'available'`+where+`
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, args...)

	item, err := scanInventoryItem(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var reservedAt pgtype.Timestamptz
	err = tx.QueryRow(ctx, `
		UPDATE esim_inventory
		SET status = $1, reserved_at = NOW()
		WHERE id = $2
		RETURNING reserved_at
	`, string(models.InventoryStatusReserved), item.ID).Scan(&reservedAt)
	if err != nil {
		return nil, err
	}

	item.Status = models.InventoryStatusReserved
	item.ReservedAt = timeValue(reservedAt)
	return item, nil
}

func reserveFilterClause(filters ReserveFilters) (string, []any) {
	switch {
	case filters.PlanID != uuid.Nil:
		return " AND plan_id = $1", []any{filters.PlanID}
	case filters.CountryID != uuid.Nil:
		return " AND country_id = $1", []any{filters.CountryID}
	case filters.CarrierID != uuid.Nil:
		return " AND carrier_id = $1", []any{filters.CarrierID}
	default:
		return "", nil
	}
}

// CreateAvailable inserts pre-provisioned stock. Used by seeding and
// back-office imports.
func (s *InventoryStore) CreateAvailable(ctx context.Context, item *models.EsimInventoryItem) error {
	payloadJSON, err := marshalPayload(item.ProviderPayload)
	if err != nil {
		return err
	}

	return s.pool.QueryRow(ctx, `
		INSERT INTO esim_inventory (plan_id, country_id, carrier_id, activation_code, iccid,
		                            qr_payload, instructions, status, provider_reference, provider_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`,
		nullableUUID(item.PlanID),
		nullableUUID(item.CountryID),
		nullableUUID(item.CarrierID),
		item.ActivationCode,
		item.ICCID,
		item.QRPayload,
		item.Instructions,
		string(models.InventoryStatusAvailable),
		item.ProviderReference,
		payloadJSON,
	).Scan(&item.ID, &item.CreatedAt)
}

func scanInventoryItem(row rowScanner) (*models.EsimInventoryItem, error) {
	var (
		item        models.EsimInventoryItem
		planID      pgtype.UUID
		countryID   pgtype.UUID
		carrierID   pgtype.UUID
		payloadJSON []byte
		reservedAt  pgtype.Timestamptz
		assignedAt  pgtype.Timestamptz
	)

	err := row.Scan(
		&item.ID,
		&planID,
		&countryID,
		&carrierID,
		&item.ActivationCode,
		&item.ICCID,
		&item.QRPayload,
		&item.Instructions,
		&item.Status,
		&item.ProviderReference,
		&payloadJSON,
		&item.CreatedAt,
		&reservedAt,
		&assignedAt,
	)
	if err != nil {
		return nil, err
	}

	item.PlanID = uuidValue(planID)
	item.CountryID = uuidValue(countryID)
	item.CarrierID = uuidValue(carrierID)
	item.ReservedAt = timeValue(reservedAt)
	item.AssignedAt = timeValue(assignedAt)

	if err := unmarshalPayload(payloadJSON, &item.ProviderPayload); err != nil {
		return nil, err
	}

	return &item, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func unmarshalPayload(data []byte, dest *map[string]any) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}
