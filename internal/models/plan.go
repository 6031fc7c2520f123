package models

import "github.com/google/uuid"

// Plan is a catalog entry as read from the catalog tables. The catalog
// itself is managed elsewhere; fulfillment only ever reads plans.
type Plan struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CountryID       uuid.UUID `json:"country_id"`
	CountryName     string    `json:"country_name"`
	CountryISO2     string    `json:"country_iso2"`
	CarrierID       uuid.UUID `json:"carrier_id"`
	CarrierName     string    `json:"carrier_name"`
	DataGB          float64   `json:"data_gb"`
	DurationDays    int       `json:"duration_days"`
	PriceMinorUnits int64     `json:"price_minor_units"`
	Currency        string    `json:"currency"`
}

// PlanSnapshot is the denormalized copy of a plan stored on each order at
// creation time, so later catalog edits never rewrite financial history.
type PlanSnapshot struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	CountryID       uuid.UUID `json:"country_id,omitzero"`
	CountryName     string    `json:"country_name,omitempty"`
	CountryISO2     string    `json:"country_iso2,omitempty"`
	CarrierID       uuid.UUID `json:"carrier_id,omitzero"`
	CarrierName     string    `json:"carrier_name,omitempty"`
	DataGB          float64   `json:"data_gb,omitempty"`
	DurationDays    int       `json:"duration_days,omitempty"`
	PriceMinorUnits int64     `json:"price_minor_units"`
	Currency        string    `json:"currency"`
}

// SnapshotOf captures the billable fields of a plan.
func SnapshotOf(plan *Plan) PlanSnapshot {
	return PlanSnapshot{
		ID:              plan.ID,
		Name:            plan.Name,
		Description:     plan.Description,
		CountryID:       plan.CountryID,
		CountryName:     plan.CountryName,
		CountryISO2:     plan.CountryISO2,
		CarrierID:       plan.CarrierID,
		CarrierName:     plan.CarrierName,
		DataGB:          plan.DataGB,
		DurationDays:    plan.DurationDays,
		PriceMinorUnits: plan.PriceMinorUnits,
		Currency:        plan.Currency,
	}
}
