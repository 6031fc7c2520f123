package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// StripeProvider implements Provider against the Stripe PaymentIntents
// API. Webhook signature verification is mandatory; there is no dry-run
// escape hatch here.
type StripeProvider struct {
	client        *stripeapi.Client
	webhookSecret string
}

func NewStripeProvider(secretKey, webhookSecret string) (*StripeProvider, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if strings.TrimSpace(webhookSecret) == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}

	return &StripeProvider{
		client:        stripeapi.NewClient(secretKey),
		webhookSecret: webhookSecret,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateIntent(ctx context.Context, amountMinorUnits int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error) {
	if amountMinorUnits <= 0 {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	params := &stripeapi.PaymentIntentCreateParams{
		Amount:   stripeapi.Int64(amountMinorUnits),
		Currency: stripeapi.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
		Metadata: metadata,
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	intent, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe payment intent: %w", err)
	}

	return &Intent{
		IntentID:         intent.ID,
		Status:           normalizeStripeStatus(string(intent.Status)),
		AmountMinorUnits: intent.Amount,
		Currency:         strings.ToUpper(string(intent.Currency)),
		ClientSecret:     intent.ClientSecret,
		Metadata:         intent.Metadata,
	}, nil
}

func (p *StripeProvider) VerifyAndParseWebhook(body []byte, signatureHeader string) (*Intent, error) {
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrWebhookValidation)
	}

	event, err := webhook.ConstructEvent(body, signatureHeader, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookValidation, err)
	}

	var object struct {
		ID           string            `json:"id"`
		Status       string            `json:"status"`
		Amount       int64             `json:"amount"`
		Currency     string            `json:"currency"`
		ClientSecret string            `json:"client_secret"`
		Metadata     map[string]string `json:"metadata"`
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing payment object in event %s", ErrWebhookValidation, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return nil, fmt.Errorf("%w: invalid payment object: %v", ErrWebhookValidation, err)
	}

	return &Intent{
		EventID:          event.ID,
		IntentID:         object.ID,
		Status:           statusFromStripeEvent(string(event.Type), object.Status),
		AmountMinorUnits: object.Amount,
		Currency:         strings.ToUpper(object.Currency),
		ClientSecret:     object.ClientSecret,
		Metadata:         object.Metadata,
	}, nil
}

func normalizeStripeStatus(status string) IntentStatus {
	switch strings.ToLower(status) {
	case "succeeded":
		return IntentStatusSucceeded
	case "canceled":
		return IntentStatusFailed
	default:
		return IntentStatusRequiresAction
	}
}

func statusFromStripeEvent(eventType, objectStatus string) IntentStatus {
	switch eventType {
	case "payment_intent.succeeded":
		return IntentStatusSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return IntentStatusFailed
	default:
		return normalizeStripeStatus(objectStatus)
	}
}
