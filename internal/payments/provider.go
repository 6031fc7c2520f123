package payments

// Package payments abstracts hosted payment processors behind a uniform
// provider interface.

import (
	"context"
	"errors"
	"fmt"
)

// IntentStatus is the provider-normalized state of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusFailed         IntentStatus = "failed"
)

// Intent is the normalized view of a provider-side payment record, either
// freshly created or parsed out of a webhook delivery.
type Intent struct {
	EventID          string
	IntentID         string
	Status           IntentStatus
	AmountMinorUnits int64
	Currency         string
	ClientSecret     string
	Metadata         map[string]string
}

// ErrWebhookValidation is returned when a webhook payload fails signature
// verification or cannot be parsed. This is the only webhook failure that
// surfaces to the delivery source.
var ErrWebhookValidation = errors.New("webhook validation failed")

// Provider is implemented once per payment processor.
type Provider interface {
	Name() string

	// CreateIntent opens a payment on the provider side. idempotencyKey is
	// forwarded to the provider where supported so network-level retries of
	// the create call cannot produce duplicate charges.
	CreateIntent(ctx context.Context, amountMinorUnits int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error)

	// VerifyAndParseWebhook authenticates a raw webhook delivery and
	// normalizes it. Implementations that skip signature verification must
	// be explicitly flagged development providers, never a silent default.
	VerifyAndParseWebhook(body []byte, signatureHeader string) (*Intent, error)
}

// Registry holds the providers constructed at startup, keyed by name.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider: %s", name)
	}
	return p, nil
}
