package esim

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const defaultInstructions = "Install via Settings > Cellular > Add eSIM and scan the QR or enter the activation code manually."

// LocalProvider generates activation material locally. It is the
// development default and also acts as the last-resort fallback in
// environments with no upstream integration.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) Name() string { return "local" }

// Provision fabricates a profile. Fields already present on the pending
// profile are preserved so a retried activation cannot change what the
// customer may have seen.
func (p *LocalProvider) Provision(ctx context.Context, req Request) (*ProvisioningResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	activationCode := ""
	iccid := ""
	qrPayload := ""
	instructions := ""
	if req.Profile != nil {
		activationCode = req.Profile.ActivationCode
		iccid = req.Profile.ICCID
		qrPayload = req.Profile.QRPayload
		instructions = req.Profile.Instructions
	}

	if activationCode == "" {
		activationCode = "LOCAL-" + hexToken(16)
	}
	if iccid == "" {
		iccid = "89" + hexToken(18)
	}
	if qrPayload == "" {
		qrPayload = "LPA:1$" + activationCode
	}
	if instructions == "" {
		instructions = defaultInstructions
	}

	return &ProvisioningResult{
		ActivationCode: activationCode,
		ICCID:          iccid,
		QRPayload:      qrPayload,
		Instructions:   instructions,
		Metadata:       map[string]any{"provider": "LOCAL"},
	}, nil
}

func hexToken(n int) string {
	token := uuid.NewString()
	hex := make([]byte, 0, 32)
	for i := 0; i < len(token) && len(hex) < n; i++ {
		if token[i] != '-' {
			hex = append(hex, token[i])
		}
	}
	return string(hex)
}
