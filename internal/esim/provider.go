// Package esim abstracts eSIM provisioning upstreams behind a uniform
// provider interface. Providers are the fallback path for activation;
// pre-provisioned inventory is consulted first and never touches this
// package.
package esim

import (
	"context"
	"errors"

	"github.com/tribihq/tribi/internal/models"
)

// ErrProvisioning wraps any upstream failure so callers can map the whole
// class to a gateway error without inspecting provider internals.
var ErrProvisioning = errors.New("esim provisioning failed")

// ProvisioningResult is the normalized output of any provider.
// ActivationCode is the only mandatory field.
type ProvisioningResult struct {
	ActivationCode    string
	ICCID             string
	QRPayload         string
	Instructions      string
	ProviderReference string
	Metadata          map[string]any
}

// Request carries the order context a provider needs to provision a
// profile. Customer fields are optional and only forwarded upstream.
type Request struct {
	Order         *models.Order
	Profile       *models.EsimProfile
	CustomerEmail string
	CustomerName  string
}

// Provider provisions an eSIM for an order when no pre-stocked inventory
// matched. Implementations must honor ctx cancellation; the caller bounds
// the call with its own timeout and holds no database locks while waiting.
type Provider interface {
	Name() string
	Provision(ctx context.Context, req Request) (*ProvisioningResult, error)
}
