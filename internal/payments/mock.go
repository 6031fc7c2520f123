package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MockProvider is the development and test payment processor. Payments
// are confirmed by posting a plain JSON webhook; no signature is checked,
// which is acceptable only because the provider has to be selected
// explicitly via configuration.
type MockProvider struct{}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string { return "mock" }

// CreateIntent returns an intent that requires customer action. With an
// idempotency key the intent id is derived from it, so retried create
// calls yield the same intent.
func (p *MockProvider) CreateIntent(ctx context.Context, amountMinorUnits int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error) {
	_ = ctx

	suffix := idempotencyKey
	if suffix == "" {
		suffix = uuid.NewString()
	}
	intentID := "mock_intent_" + suffix

	return &Intent{
		IntentID:         intentID,
		Status:           IntentStatusRequiresAction,
		AmountMinorUnits: amountMinorUnits,
		Currency:         strings.ToUpper(currency),
		ClientSecret:     intentID + "_secret",
		Metadata:         metadata,
	}, nil
}

type mockWebhookPayload struct {
	EventID          string            `json:"event_id"`
	IntentID         string            `json:"intent_id"`
	Status           string            `json:"status"`
	Action           string            `json:"action"` // legacy field: succeed/fail
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
}

func (p *MockProvider) VerifyAndParseWebhook(body []byte, signatureHeader string) (*Intent, error) {
	_ = signatureHeader

	var payload mockWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload", ErrWebhookValidation)
	}
	if payload.IntentID == "" {
		return nil, fmt.Errorf("%w: missing intent_id", ErrWebhookValidation)
	}

	status := IntentStatus(payload.Status)
	switch status {
	case IntentStatusRequiresAction, IntentStatusSucceeded, IntentStatusFailed:
	case "":
		if payload.Action == "succeed" || payload.Action == "" {
			status = IntentStatusSucceeded
		} else {
			status = IntentStatusFailed
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrWebhookValidation, payload.Status)
	}

	currency := payload.Currency
	if currency == "" {
		currency = "USD"
	}

	return &Intent{
		EventID:          payload.EventID,
		IntentID:         payload.IntentID,
		Status:           status,
		AmountMinorUnits: payload.AmountMinorUnits,
		Currency:         strings.ToUpper(currency),
		Metadata:         payload.Metadata,
	}, nil
}
