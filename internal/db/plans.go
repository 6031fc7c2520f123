package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/models"
)

// PlanStore reads catalog plans. Fulfillment never writes the catalog.
type PlanStore struct {
	pool *pgxpool.Pool
}

func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

func (s *PlanStore) GetByID(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	var (
		plan      models.Plan
		countryID pgtype.UUID
		carrierID pgtype.UUID
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, country_id, country_name, country_iso2,
		       carrier_id, carrier_name, data_gb, duration_days, price_minor_units, currency
		FROM plans
		WHERE id = $1
	`, planID).Scan(
		&plan.ID,
		&plan.Name,
		&plan.Description,
		&countryID,
		&plan.CountryName,
		&plan.CountryISO2,
		&carrierID,
		&plan.CarrierName,
		&plan.DataGB,
		&plan.DurationDays,
		&plan.PriceMinorUnits,
		&plan.Currency,
	)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	plan.CountryID = uuidValue(countryID)
	plan.CarrierID = uuidValue(carrierID)
	return &plan, nil
}
