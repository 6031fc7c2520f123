package observability

import (
	"net/http"
	"net/url"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// WrapRoundTripper instruments outbound requests with sentry spans. Trace
// headers are only propagated to the given hosts; empty entries are
// ignored so a blank target never matches every URL.
func WrapRoundTripper(base http.RoundTripper, tracePropagationTargets []string) http.RoundTripper {
	var targets []string
	for _, target := range tracePropagationTargets {
		if target != "" {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return sentryhttpclient.NewSentryRoundTripper(base)
	}
	return sentryhttpclient.NewSentryRoundTripper(
		base,
		sentryhttpclient.WithTracePropagationTargets(targets),
	)
}

// NewHTTPClient returns a traced HTTP client for outbound provider calls.
// The timeout fires independently of any database work so a hung upstream
// cannot pin a request indefinitely.
func NewHTTPClient(timeout time.Duration, tracePropagationTargets ...string) *http.Client {
	client := &http.Client{
		Transport: WrapRoundTripper(http.DefaultTransport, tracePropagationTargets),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// TracePropagationTarget extracts the host from a provider base URL so
// trace headers follow the requests that actually go there. Returns ""
// when the URL has no host.
func TracePropagationTarget(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
