// Package seed loads catalog plans and pre-provisioned inventory from a
// YAML file into the database. It backs the seed command used for local
// development and for importing stock batches.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/tribihq/tribi/internal/db"
	"github.com/tribihq/tribi/internal/models"
)

type File struct {
	Plans     []Plan          `yaml:"plans"`
	Inventory []InventoryItem `yaml:"inventory"`
}

type Plan struct {
	ID              uuid.UUID `yaml:"id"`
	Name            string    `yaml:"name"`
	Description     string    `yaml:"description"`
	CountryID       uuid.UUID `yaml:"country_id"`
	CountryName     string    `yaml:"country_name"`
	CountryISO2     string    `yaml:"country_iso2"`
	CarrierID       uuid.UUID `yaml:"carrier_id"`
	CarrierName     string    `yaml:"carrier_name"`
	DataGB          float64   `yaml:"data_gb"`
	DurationDays    int       `yaml:"duration_days"`
	PriceMinorUnits int64     `yaml:"price_minor_units"`
	Currency        string    `yaml:"currency"`
}

type InventoryItem struct {
	PlanID         uuid.UUID `yaml:"plan_id"`
	CountryID      uuid.UUID `yaml:"country_id"`
	CarrierID      uuid.UUID `yaml:"carrier_id"`
	ActivationCode string    `yaml:"activation_code"`
	ICCID          string    `yaml:"iccid"`
	QRPayload      string    `yaml:"qr_payload"`
	Instructions   string    `yaml:"instructions"`
}

// Load reads and validates a seed file. Plans without an explicit id get
// a generated one, so simple seed files stay simple; inventory rows must
// carry an activation code because that is the whole point of stock.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i := range file.Plans {
		plan := &file.Plans[i]
		if plan.Name == "" {
			return nil, fmt.Errorf("plan %d: name is required", i)
		}
		if plan.PriceMinorUnits <= 0 {
			return nil, fmt.Errorf("plan %q: price_minor_units must be positive", plan.Name)
		}
		if plan.Currency == "" {
			plan.Currency = "USD"
		}
		if plan.ID == uuid.Nil {
			plan.ID = uuid.New()
		}
	}

	for i, item := range file.Inventory {
		if item.ActivationCode == "" {
			return nil, fmt.Errorf("inventory item %d: activation_code is required", i)
		}
	}

	return &file, nil
}

// Apply writes the seed data. Plans are upserted by id so re-running a
// seed file is safe; inventory rows are always inserted because each one
// is a distinct activation unit.
func Apply(ctx context.Context, pool *pgxpool.Pool, file *File, logger *slog.Logger) error {
	inventoryStore := db.NewInventoryStore(pool)

	for _, plan := range file.Plans {
		_, err := pool.Exec(ctx, `
			INSERT INTO plans (id, name, description, country_id, country_name, country_iso2,
			                   carrier_id, carrier_name, data_gb, duration_days, price_minor_units, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				country_name = EXCLUDED.country_name,
				country_iso2 = EXCLUDED.country_iso2,
				carrier_name = EXCLUDED.carrier_name,
				data_gb = EXCLUDED.data_gb,
				duration_days = EXCLUDED.duration_days,
				price_minor_units = EXCLUDED.price_minor_units,
				currency = EXCLUDED.currency
		`,
			plan.ID,
			plan.Name,
			plan.Description,
			nullableSeedUUID(plan.CountryID),
			plan.CountryName,
			plan.CountryISO2,
			nullableSeedUUID(plan.CarrierID),
			plan.CarrierName,
			plan.DataGB,
			plan.DurationDays,
			plan.PriceMinorUnits,
			plan.Currency,
		)
		if err != nil {
			return fmt.Errorf("failed to seed plan %q: %w", plan.Name, err)
		}
		logger.Info("seeded plan", "plan_id", plan.ID, "name", plan.Name)
	}

	for _, item := range file.Inventory {
		inventoryItem := &models.EsimInventoryItem{
			PlanID:         item.PlanID,
			CountryID:      item.CountryID,
			CarrierID:      item.CarrierID,
			ActivationCode: item.ActivationCode,
			ICCID:          item.ICCID,
			QRPayload:      item.QRPayload,
			Instructions:   item.Instructions,
		}
		if err := inventoryStore.CreateAvailable(ctx, inventoryItem); err != nil {
			return fmt.Errorf("failed to seed inventory item %q: %w", item.ActivationCode, err)
		}
		logger.Info("seeded inventory item", "item_id", inventoryItem.ID, "plan_id", item.PlanID)
	}

	return nil
}

func nullableSeedUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
