package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tribihq/tribi/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so event rows can
// be written inside the transaction that produced them.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertEvent(ctx context.Context, q querier, event models.AnalyticsEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO analytics_events (event_type, user_id, order_id, plan_id, amount_minor_units, currency, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		string(event.EventType),
		nullableUUID(event.UserID),
		nullableUUID(event.OrderID),
		nullableUUID(event.PlanID),
		event.AmountMinorUnits,
		event.Currency,
		metadataJSON,
	)
	return err
}
