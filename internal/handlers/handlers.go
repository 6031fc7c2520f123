package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/cache"
	"github.com/tribihq/tribi/internal/config"
	"github.com/tribihq/tribi/internal/logging"
	"github.com/tribihq/tribi/internal/payments"
	"github.com/tribihq/tribi/internal/services"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MB

// Handlers provides HTTP request handlers for the Tribi fulfillment API.
type Handlers struct {
	config        *config.Config
	db            *pgxpool.Pool
	cacheProvider cache.Provider
	fulfillment   *services.FulfillmentService
	logger        *slog.Logger
}

type Dependencies struct {
	Config        *config.Config
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Fulfillment   *services.FulfillmentService
	Logger        *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.Fulfillment == nil {
		return nil, fmt.Errorf("handlers dependencies: fulfillment is required")
	}

	return &Handlers{
		config:        deps.Config,
		db:            deps.DB,
		cacheProvider: deps.CacheProvider,
		fulfillment:   deps.Fulfillment,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses. Everything unmapped
// is a 500 with a generic body so internals never leak to clients.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, services.ErrPlanNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrEsimNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, services.ErrOrderNotPayable),
		errors.Is(err, services.ErrOrderNotPaid):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, services.ErrUnknownProvider),
		errors.Is(err, payments.ErrWebhookValidation):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, services.ErrProvisioningFailed):
		status = http.StatusBadGateway
		message = err.Error()
	}

	if status == http.StatusInternalServerError {
		h.loggerFromContext(r.Context()).Error("request failed", "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
