package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	AuthJWTSecret string `env:"AUTH_JWT_SECRET,required" validate:"required,min=32"`

	PaymentProvider     string `env:"PAYMENT_PROVIDER" envDefault:"mock" validate:"omitempty,oneof=mock stripe"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY" validate:"required_if=PaymentProvider stripe"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" validate:"required_if=PaymentProvider stripe"`

	EsimProvider        string        `env:"ESIM_PROVIDER" envDefault:"local" validate:"omitempty,oneof=local connectedyou"`
	EsimProviderTimeout time.Duration `env:"ESIM_PROVIDER_TIMEOUT" envDefault:"15s"`

	ConnectedYouBaseURL   string `env:"CONNECTED_YOU_BASE_URL" validate:"omitempty,url"`
	ConnectedYouAPIKey    string `env:"CONNECTED_YOU_API_KEY"`
	ConnectedYouPartnerID string `env:"CONNECTED_YOU_PARTNER_ID" validate:"required_if=EsimProvider connectedyou"`
	ConnectedYouDryRun    bool   `env:"CONNECTED_YOU_DRY_RUN" envDefault:"true"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	EmailProvider string `env:"EMAIL_PROVIDER" envDefault:"noop" validate:"omitempty,oneof=noop resend"`
	ResendAPIKey  string `env:"RESEND_API_KEY" validate:"required_if=EmailProvider resend"`
	EmailFrom     string `env:"EMAIL_FROM" envDefault:"Tribi <no-reply@tribi.app>"`

	DefaultCurrency string `env:"DEFAULT_CURRENCY" envDefault:"USD" validate:"len=3"`
	InvoicePrefix   string `env:"INVOICE_PREFIX" envDefault:"TRB"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.EsimProviderTimeout <= 0 {
		return fmt.Errorf("ESIM_PROVIDER_TIMEOUT must be positive")
	}

	// A live ConnectedYou integration needs both a key and an endpoint;
	// dry-run mode builds requests without calling out.
	if strings.EqualFold(c.EsimProvider, "connectedyou") && !c.ConnectedYouDryRun {
		if strings.TrimSpace(c.ConnectedYouAPIKey) == "" {
			return fmt.Errorf("CONNECTED_YOU_API_KEY is required outside dry-run mode")
		}
		if strings.TrimSpace(c.ConnectedYouBaseURL) == "" {
			return fmt.Errorf("CONNECTED_YOU_BASE_URL is required outside dry-run mode")
		}
	}

	return nil
}
