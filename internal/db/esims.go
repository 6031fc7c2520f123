package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/models"
)

// EsimStore persists eSIM profiles and finalizes activations.
type EsimStore struct {
	pool *pgxpool.Pool
}

func NewEsimStore(pool *pgxpool.Pool) *EsimStore {
	return &EsimStore{pool: pool}
}

// ProvisionData is the normalized result of either an inventory claim or
// an external provisioning call, ready to be stamped onto a profile.
type ProvisionData struct {
	ActivationCode    string
	ICCID             string
	QRPayload         string
	Instructions      string
	ProviderReference string
	ProviderPayload   map[string]any
}

func (s *EsimStore) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.EsimProfile, error) {
	return s.getOne(ctx, `WHERE order_id = $1`, orderID)
}

func (s *EsimStore) GetForUser(ctx context.Context, profileID, userID uuid.UUID) (*models.EsimProfile, error) {
	return s.getOne(ctx, `WHERE id = $1 AND user_id = $2`, profileID, userID)
}

func (s *EsimStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.EsimProfile, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, esimSelect+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*models.EsimProfile
	for rows.Next() {
		profile, err := scanEsimProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// ActivateFromInventory claims the oldest available stock item matching
// the filters, assigns it and stamps it onto the profile, all in one
// transaction. Running the claim and the finalize under the same commit
// means a lost race or a failure rolls the claim back to available; a
// reserved row can never outlive its activation attempt.
//
// Returns applied=false with a nil error when no available item matched
// or when a concurrent activation already provisioned the profile. The
// caller re-reads the profile to tell the two apart.
func (s *EsimStore) ActivateFromInventory(ctx context.Context, profileID uuid.UUID, filters ReserveFilters) (*models.EsimProfile, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	item, err := reserveItem(ctx, tx, filters)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE esim_inventory
		SET status = $1, assigned_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(models.InventoryStatusAssigned), item.ID, string(models.InventoryStatusReserved))
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, ErrInvalidStatusTransition
	}

	data := ProvisionData{
		ActivationCode:    item.ActivationCode,
		ICCID:             item.ICCID,
		QRPayload:         item.QRPayload,
		Instructions:      item.Instructions,
		ProviderReference: item.ProviderReference,
		ProviderPayload:   item.ProviderPayload,
	}
	profile, applied, err := s.finalizeProfile(ctx, tx, profileID, data, item.ID)
	if err != nil || !applied {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// ActivateFromProvider stamps externally provisioned data onto the
// profile. A brand-new inventory row is written directly in assigned
// state, keeping the audit trail uniform whether stock came from the
// pool or from a live provider call.
//
// Returns applied=false with a nil error when a concurrent activation
// already provisioned the profile; the caller re-reads the winner.
func (s *EsimStore) ActivateFromProvider(ctx context.Context, profileID uuid.UUID, data ProvisionData) (*models.EsimProfile, bool, error) {
	payloadJSON, err := marshalPayload(data.ProviderPayload)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var (
		planID    pgtype.UUID
		countryID pgtype.UUID
		carrierID pgtype.UUID
	)
	err = tx.QueryRow(ctx, `
		SELECT plan_id, country_id, carrier_id FROM esim_profiles WHERE id = $1
	`, profileID).Scan(&planID, &countryID, &carrierID)
	if noRows(err) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	var itemID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO esim_inventory (plan_id, country_id, carrier_id, activation_code, iccid,
		                            qr_payload, instructions, status, provider_reference, provider_payload, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id
	`,
		planID,
		countryID,
		carrierID,
		data.ActivationCode,
		data.ICCID,
		data.QRPayload,
		data.Instructions,
		string(models.InventoryStatusAssigned),
		data.ProviderReference,
		payloadJSON,
	).Scan(&itemID)
	if err != nil {
		return nil, false, err
	}

	profile, applied, err := s.finalizeProfile(ctx, tx, profileID, data, itemID)
	if err != nil || !applied {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// finalizeProfile stamps the provisioning data onto the profile and
// records the esim_activated event inside the caller's transaction. The
// update is guarded by provisioned_at IS NULL: if a concurrent activation
// already won, nothing is written, applied is false and the caller rolls
// the whole transaction back.
func (s *EsimStore) finalizeProfile(ctx context.Context, tx pgx.Tx, profileID uuid.UUID, data ProvisionData, itemID uuid.UUID) (*models.EsimProfile, bool, error) {
	payloadJSON, err := marshalPayload(data.ProviderPayload)
	if err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE esim_profiles
		SET activation_code = $1, iccid = $2, qr_payload = $3, instructions = $4,
		    status = $5, provider_reference = $6, provider_payload = $7,
		    inventory_item_id = $8, provisioned_at = NOW()
		WHERE id = $9 AND provisioned_at IS NULL
	`,
		data.ActivationCode,
		data.ICCID,
		data.QRPayload,
		data.Instructions,
		string(models.EsimStatusActive),
		data.ProviderReference,
		payloadJSON,
		itemID,
		profileID,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		// Concurrent activation won; leave its work untouched.
		return nil, false, nil
	}

	var (
		userID  uuid.UUID
		orderID pgtype.UUID
		planID  pgtype.UUID
	)
	err = tx.QueryRow(ctx, `
		SELECT user_id, order_id, plan_id FROM esim_profiles WHERE id = $1
	`, profileID).Scan(&userID, &orderID, &planID)
	if err != nil {
		return nil, false, err
	}

	err = insertEvent(ctx, tx, models.AnalyticsEvent{
		EventType: models.EventEsimActivated,
		UserID:    userID,
		OrderID:   uuidValue(orderID),
		PlanID:    uuidValue(planID),
		Metadata: map[string]any{
			"inventory_item_id":  itemID.String(),
			"provider_reference": data.ProviderReference,
		},
	})
	if err != nil {
		return nil, false, err
	}

	row := tx.QueryRow(ctx, esimSelect+`WHERE id = $1`, profileID)
	profile, err := scanEsimProfile(row)
	if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

const esimSelect = `
	SELECT id, order_id, user_id, plan_id, country_id, carrier_id, inventory_item_id,
	       activation_code, iccid, qr_payload, instructions, status,
	       provider_reference, provider_payload, created_at, provisioned_at
	FROM esim_profiles
`

func (s *EsimStore) getOne(ctx context.Context, where string, args ...any) (*models.EsimProfile, error) {
	row := s.pool.QueryRow(ctx, esimSelect+where, args...)
	profile, err := scanEsimProfile(row)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func scanEsimProfile(row rowScanner) (*models.EsimProfile, error) {
	var (
		profile       models.EsimProfile
		planID        pgtype.UUID
		countryID     pgtype.UUID
		carrierID     pgtype.UUID
		inventoryID   pgtype.UUID
		payloadJSON   []byte
		provisionedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&profile.ID,
		&profile.OrderID,
		&profile.UserID,
		&planID,
		&countryID,
		&carrierID,
		&inventoryID,
		&profile.ActivationCode,
		&profile.ICCID,
		&profile.QRPayload,
		&profile.Instructions,
		&profile.Status,
		&profile.ProviderReference,
		&payloadJSON,
		&profile.CreatedAt,
		&provisionedAt,
	)
	if err != nil {
		return nil, err
	}

	profile.PlanID = uuidValue(planID)
	profile.CountryID = uuidValue(countryID)
	profile.CarrierID = uuidValue(carrierID)
	profile.InventoryItemID = uuidValue(inventoryID)
	profile.ProvisionedAt = timeValue(provisionedAt)

	if err := unmarshalPayload(payloadJSON, &profile.ProviderPayload); err != nil {
		return nil, err
	}

	return &profile, nil
}
