package esim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tribihq/tribi/internal/logging"
)

// ConnectedYouConfig mirrors the CONNECTED_YOU_* settings. Dry-run mode
// builds and records the upstream payload without calling out, so the
// integration can be exercised before credentials and approval land.
type ConnectedYouConfig struct {
	BaseURL   string
	APIKey    string
	PartnerID string
	DryRun    bool
}

// ConnectedYouProvider provisions profiles through the ConnectedYou
// partner API.
type ConnectedYouProvider struct {
	config ConnectedYouConfig
	client *http.Client
}

func NewConnectedYouProvider(config ConnectedYouConfig, client *http.Client) (*ConnectedYouProvider, error) {
	if strings.TrimSpace(config.PartnerID) == "" {
		return nil, fmt.Errorf("connectedyou partner id is required")
	}
	if !config.DryRun {
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, fmt.Errorf("connectedyou api key is required outside dry-run mode")
		}
		if strings.TrimSpace(config.BaseURL) == "" {
			return nil, fmt.Errorf("connectedyou base url is required outside dry-run mode")
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &ConnectedYouProvider{config: config, client: client}, nil
}

func (p *ConnectedYouProvider) Name() string { return "connectedyou" }

func (p *ConnectedYouProvider) Provision(ctx context.Context, req Request) (*ProvisioningResult, error) {
	if req.Order == nil {
		return nil, fmt.Errorf("%w: missing order", ErrProvisioning)
	}

	payload := p.buildPayload(req)

	if p.config.DryRun {
		logging.FromContext(ctx, nil).InfoContext(ctx, "connectedyou dry-run provisioning",
			slog.String("order_id", req.Order.ID.String()),
			slog.String("order_reference", payload.OrderReference),
		)
		return p.dryRunResult(payload), nil
	}

	data, err := p.post(ctx, "/partners/orders", payload)
	if err != nil {
		return nil, err
	}
	return parseConnectedYouResponse(data)
}

type connectedYouPayload struct {
	PartnerID      string             `json:"partnerId"`
	OrderReference string             `json:"orderReference"`
	PlanCode       string             `json:"planCode"`
	CountryISO2    string             `json:"countryIso2,omitempty"`
	CarrierName    string             `json:"carrierName,omitempty"`
	Quantity       int                `json:"quantity"`
	Customer       map[string]string  `json:"customer"`
	Metadata       map[string]any     `json:"metadata"`
	SimProfile     connectedYouSimRef `json:"simProfile"`
}

type connectedYouSimRef struct {
	ActivationCode string `json:"activationCode,omitempty"`
	ICCID          string `json:"iccid,omitempty"`
}

func (p *ConnectedYouProvider) buildPayload(req Request) connectedYouPayload {
	order := req.Order
	snapshot := order.PlanSnapshot

	customer := map[string]string{}
	if req.CustomerEmail != "" {
		customer["email"] = req.CustomerEmail
	}
	if req.CustomerName != "" {
		customer["name"] = req.CustomerName
	}

	payload := connectedYouPayload{
		PartnerID:      p.config.PartnerID,
		OrderReference: "order-" + order.ID.String(),
		PlanCode:       order.PlanID.String(),
		CountryISO2:    snapshot.CountryISO2,
		CarrierName:    snapshot.CarrierName,
		Quantity:       1,
		Customer:       customer,
		Metadata: map[string]any{
			"plan_name": snapshot.Name,
			"order_id":  order.ID.String(),
		},
	}
	if req.Profile != nil {
		payload.SimProfile = connectedYouSimRef{
			ActivationCode: req.Profile.ActivationCode,
			ICCID:          req.Profile.ICCID,
		}
	}
	return payload
}

func (p *ConnectedYouProvider) dryRunResult(payload connectedYouPayload) *ProvisioningResult {
	activationCode := strings.ToUpper("CNY-" + hexToken(12))
	return &ProvisioningResult{
		ActivationCode:    activationCode,
		ICCID:             "882" + hexToken(17),
		QRPayload:         "LPA:1$" + activationCode,
		Instructions:      "ConnectedYou provisioning (dry run). Install the profile using standard device instructions.",
		ProviderReference: payload.OrderReference,
		Metadata: map[string]any{
			"provider": "CONNECTED_YOU",
			"dry_run":  true,
		},
	}
}

func (p *ConnectedYouProvider) post(ctx context.Context, endpoint string, payload connectedYouPayload) (map[string]any, error) {
	if p.config.BaseURL == "" {
		return nil, fmt.Errorf("%w: connectedyou base url is not configured", ErrProvisioning)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProvisioning, err)
	}

	url := p.config.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProvisioning, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("x-api-key", p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvisioning, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: connectedyou returned status %d", ErrProvisioning, resp.StatusCode)
	}

	var data map[string]any
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %v", ErrProvisioning, err)
	}
	return data, nil
}

func parseConnectedYouResponse(data map[string]any) (*ProvisioningResult, error) {
	profileData := data
	if nested, ok := data["data"].(map[string]any); ok {
		profileData = nested
	}

	activationCode := firstString(profileData, "activationCode", "activation_code")
	if activationCode == "" {
		return nil, fmt.Errorf("%w: response missing activation code", ErrProvisioning)
	}

	return &ProvisioningResult{
		ActivationCode:    activationCode,
		ICCID:             firstString(profileData, "iccid"),
		QRPayload:         firstString(profileData, "qrCode", "qr_payload"),
		Instructions:      firstString(profileData, "instructions"),
		ProviderReference: firstString(profileData, "orderReference", "id"),
		Metadata: map[string]any{
			"provider": "CONNECTED_YOU",
			"raw":      data,
		},
	}, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := data[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
