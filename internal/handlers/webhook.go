package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tribihq/tribi/internal/cache"
	"github.com/tribihq/tribi/internal/payments"
)

// webhookIdempotencyTTL is how long webhook event IDs are kept for deduplication.
const webhookIdempotencyTTL = 24 * time.Hour

// PaymentWebhook receives payment provider deliveries. Only signature or
// parse failures get a 400; everything else is acknowledged with a 200
// because repeated error responses can get the endpoint disabled on the
// provider side. Processing failures are logged and left out of the
// dedup cache, so the provider's next retry gets a fresh attempt.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		providerName = h.config.PaymentProvider
	}

	intent, err := h.fulfillment.ParseWebhook(ctx, providerName, body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrWebhookValidation) {
			logger.Warn("webhook failed validation", "provider", providerName, "error", err)
			http.Error(w, "Invalid webhook", http.StatusBadRequest)
			return
		}
		logger.Error("failed to handle webhook", "provider", providerName, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	cacheKey := ""
	if intent.EventID != "" {
		cacheKey = cache.WebhookKey(providerName, intent.EventID)
		if _, err := h.cacheProvider.Get(ctx, cacheKey); err == nil {
			logger.Info("webhook already processed", "event_id", intent.EventID)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	result, err := h.fulfillment.ApplyPaymentEvent(ctx, intent, body)
	if err != nil {
		logger.Error("failed to process payment webhook", "error", err, "intent_id", intent.IntentID)
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	if cacheKey != "" {
		if err := h.cacheProvider.Set(ctx, cacheKey, "processed", webhookIdempotencyTTL); err != nil {
			logger.Error("failed to mark webhook as processed in cache", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  result.Applied,
	})
}
