package email

import "context"

// NoopProvider discards outgoing mail. Used in development and in tests
// so activation never depends on a mail API being reachable.
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) SendEmail(ctx context.Context, email *Email) error {
	return nil
}
