package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribihq/tribi/internal/cache"
	"github.com/tribihq/tribi/internal/config"
	"github.com/tribihq/tribi/internal/db"
	"github.com/tribihq/tribi/internal/email"
	"github.com/tribihq/tribi/internal/esim"
	"github.com/tribihq/tribi/internal/handlers"
	"github.com/tribihq/tribi/internal/observability"
	"github.com/tribihq/tribi/internal/payments"
	"github.com/tribihq/tribi/internal/services"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Handlers      *handlers.Handlers
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	registry, err := buildPaymentRegistry(cfg)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, err
	}

	esimProvider, err := buildEsimProvider(cfg)
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, err
	}

	emailProvider, err := email.NewProvider(email.Config{
		Provider: cfg.EmailProvider,
		APIKey:   cfg.ResendAPIKey,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}

	fulfillment := services.NewFulfillmentService(
		db.NewPlanStore(database),
		db.NewOrderStore(database),
		db.NewPaymentStore(database, cfg.InvoicePrefix),
		db.NewEsimStore(database),
		registry,
		esimProvider,
		emailProvider,
		services.FulfillmentConfig{
			DefaultPaymentProvider: cfg.PaymentProvider,
			DefaultCurrency:        cfg.DefaultCurrency,
			ProvisionTimeout:       cfg.EsimProviderTimeout,
		},
		logger.With("component", "fulfillment_service"),
	)

	h, err := handlers.New(handlers.Dependencies{
		Config:        cfg,
		DB:            database,
		CacheProvider: cacheProvider,
		Fulfillment:   fulfillment,
		Logger:        logger,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            database,
		CacheProvider: cacheProvider,
		Handlers:      h,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// buildPaymentRegistry always registers the mock provider so development
// webhooks keep working, and adds Stripe when configured. The default
// provider for client-facing calls comes from PAYMENT_PROVIDER.
func buildPaymentRegistry(cfg *config.Config) (payments.Registry, error) {
	providers := []payments.Provider{payments.NewMockProvider()}

	if cfg.PaymentProvider == "stripe" {
		stripeProvider, err := payments.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize stripe provider: %w", err)
		}
		providers = append(providers, stripeProvider)
	}

	return payments.NewRegistry(providers...), nil
}

func buildEsimProvider(cfg *config.Config) (esim.Provider, error) {
	switch cfg.EsimProvider {
	case "connectedyou":
		provider, err := esim.NewConnectedYouProvider(esim.ConnectedYouConfig{
			BaseURL:   cfg.ConnectedYouBaseURL,
			APIKey:    cfg.ConnectedYouAPIKey,
			PartnerID: cfg.ConnectedYouPartnerID,
			DryRun:    cfg.ConnectedYouDryRun,
		}, observability.NewHTTPClient(
			cfg.EsimProviderTimeout,
			observability.TracePropagationTarget(cfg.ConnectedYouBaseURL),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize connectedyou provider: %w", err)
		}
		return provider, nil
	default:
		return esim.NewLocalProvider(), nil
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text", "":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level: cfg.LogLevel,
		}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel}))
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
