package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:         "postgres://localhost:5432/tribi",
		AuthJWTSecret:       strings.Repeat("s", 32),
		PaymentProvider:     "mock",
		EsimProvider:        "local",
		EsimProviderTimeout: 15 * time.Second,
		CacheProvider:       "memory",
		EmailProvider:       "noop",
		DefaultCurrency:     "USD",
		InvoicePrefix:       "TRB",
		LogFormat:           "text",
		Port:                "8080",
		ConnectedYouDryRun:  true,
	}
}

func TestValidateJWTSecretLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{
			name:    "long enough secret",
			secret:  strings.Repeat("k", 32),
			wantErr: false,
		},
		{
			name:    "short secret",
			secret:  "short",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			cfg.AuthJWTSecret = tt.secret

			err := cfg.validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateStripeRequiresSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PaymentProvider = "stripe"

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected error for stripe provider without keys, got nil")
	}

	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateConnectedYouLiveMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name: "dry run needs only partner id",
			mutate: func(c *Config) {
				c.EsimProvider = "connectedyou"
				c.ConnectedYouPartnerID = "partner-1"
			},
			wantErr: false,
		},
		{
			name: "live mode without api key",
			mutate: func(c *Config) {
				c.EsimProvider = "connectedyou"
				c.ConnectedYouPartnerID = "partner-1"
				c.ConnectedYouDryRun = false
				c.ConnectedYouBaseURL = "https://api.connectedyou.example"
			},
			wantErr: true,
		},
		{
			name: "live mode without base url",
			mutate: func(c *Config) {
				c.EsimProvider = "connectedyou"
				c.ConnectedYouPartnerID = "partner-1"
				c.ConnectedYouDryRun = false
				c.ConnectedYouAPIKey = "key"
			},
			wantErr: true,
		},
		{
			name: "live mode fully configured",
			mutate: func(c *Config) {
				c.EsimProvider = "connectedyou"
				c.ConnectedYouPartnerID = "partner-1"
				c.ConnectedYouDryRun = false
				c.ConnectedYouAPIKey = "key"
				c.ConnectedYouBaseURL = "https://api.connectedyou.example"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateProviderEnums(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PaymentProvider = "paypal"

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected error for unsupported payment provider, got nil")
	}
}
