package esim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tribihq/tribi/internal/models"
)

func testOrder() *models.Order {
	return &models.Order{
		ID:     uuid.New(),
		PlanID: uuid.New(),
		PlanSnapshot: models.PlanSnapshot{
			Name:        "Japan 5GB",
			CountryISO2: "JP",
			CarrierName: "NTT",
		},
	}
}

func TestConnectedYouRequiresPartnerID(t *testing.T) {
	t.Parallel()

	if _, err := NewConnectedYouProvider(ConnectedYouConfig{DryRun: true}, nil); err == nil {
		t.Fatalf("expected error for missing partner id")
	}
}

func TestConnectedYouLiveModeRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewConnectedYouProvider(ConnectedYouConfig{PartnerID: "tribi", DryRun: false}, nil)
	if err == nil {
		t.Fatalf("expected error for live mode without credentials")
	}
}

func TestConnectedYouDryRun(t *testing.T) {
	t.Parallel()

	provider, err := NewConnectedYouProvider(ConnectedYouConfig{PartnerID: "tribi", DryRun: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectedYouProvider() error = %v", err)
	}

	order := testOrder()
	result, err := provider.Provision(context.Background(), Request{Order: order})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if !strings.HasPrefix(result.ActivationCode, "CNY-") {
		t.Fatalf("ActivationCode = %q, want CNY- prefix", result.ActivationCode)
	}
	if !strings.HasPrefix(result.ICCID, "882") {
		t.Fatalf("ICCID = %q, want 882 prefix", result.ICCID)
	}
	if result.ProviderReference != "order-"+order.ID.String() {
		t.Fatalf("ProviderReference = %q, want order reference", result.ProviderReference)
	}
}

func TestConnectedYouLiveProvision(t *testing.T) {
	t.Parallel()

	var gotPayload connectedYouPayload
	var gotAPIKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/partners/orders" {
			t.Errorf("path = %q, want /partners/orders", r.URL.Path)
		}
		gotAPIKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"activationCode": "CNY-LIVE123",
				"iccid":          "88212345678901234567",
				"qrCode":         "LPA:1$CNY-LIVE123",
				"orderReference": "cny-ref-1",
			},
		})
	}))
	defer server.Close()

	provider, err := NewConnectedYouProvider(ConnectedYouConfig{
		BaseURL:   server.URL,
		APIKey:    "key-1",
		PartnerID: "tribi",
	}, server.Client())
	if err != nil {
		t.Fatalf("NewConnectedYouProvider() error = %v", err)
	}

	order := testOrder()
	result, err := provider.Provision(context.Background(), Request{
		Order:         order,
		CustomerEmail: "user@example.com",
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if result.ActivationCode != "CNY-LIVE123" {
		t.Fatalf("ActivationCode = %q", result.ActivationCode)
	}
	if result.ProviderReference != "cny-ref-1" {
		t.Fatalf("ProviderReference = %q", result.ProviderReference)
	}
	if gotAPIKey != "key-1" {
		t.Fatalf("x-api-key = %q, want key-1", gotAPIKey)
	}
	if gotPayload.PartnerID != "tribi" {
		t.Fatalf("payload partnerId = %q", gotPayload.PartnerID)
	}
	if gotPayload.CountryISO2 != "JP" {
		t.Fatalf("payload countryIso2 = %q", gotPayload.CountryISO2)
	}
	if gotPayload.Customer["email"] != "user@example.com" {
		t.Fatalf("payload customer = %v", gotPayload.Customer)
	}
}

func TestConnectedYouUpstreamErrorsWrapProvisioning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "missing activation code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
			},
		},
		{
			name: "invalid body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			defer server.Close()

			provider, err := NewConnectedYouProvider(ConnectedYouConfig{
				BaseURL:   server.URL,
				APIKey:    "key-1",
				PartnerID: "tribi",
			}, server.Client())
			if err != nil {
				t.Fatalf("NewConnectedYouProvider() error = %v", err)
			}

			_, err = provider.Provision(context.Background(), Request{Order: testOrder()})
			if !errors.Is(err, ErrProvisioning) {
				t.Fatalf("error = %v, want ErrProvisioning", err)
			}
		})
	}
}
