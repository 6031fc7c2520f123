package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/tribihq/tribi/internal/db"
	"github.com/tribihq/tribi/internal/email"
	"github.com/tribihq/tribi/internal/esim"
	"github.com/tribihq/tribi/internal/logging"
	"github.com/tribihq/tribi/internal/models"
	"github.com/tribihq/tribi/internal/observability"
	"github.com/tribihq/tribi/internal/payments"
)

type planStore interface {
	GetByID(ctx context.Context, planID uuid.UUID) (*models.Plan, error)
}

type orderStore interface {
	CreateWithProfile(ctx context.Context, order *models.Order, profile *models.EsimProfile) error
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetForUser(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error)
}

type paymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	ApplyWebhook(ctx context.Context, intentID string, status models.PaymentStatus, rawPayload []byte) (*db.WebhookOutcome, error)
}

type esimStore interface {
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.EsimProfile, error)
	GetForUser(ctx context.Context, profileID, userID uuid.UUID) (*models.EsimProfile, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.EsimProfile, error)
	ActivateFromInventory(ctx context.Context, profileID uuid.UUID, filters db.ReserveFilters) (*models.EsimProfile, bool, error)
	ActivateFromProvider(ctx context.Context, profileID uuid.UUID, data db.ProvisionData) (*models.EsimProfile, bool, error)
}

// FulfillmentService owns the order lifecycle: creation, payment intents,
// webhook-driven settlement and eSIM activation.
type FulfillmentService struct {
	plans    planStore
	orders   orderStore
	payments paymentStore
	esims    esimStore

	registry        payments.Registry
	defaultProvider string
	esimProvider    esim.Provider
	emailProvider   email.Provider

	defaultCurrency  string
	provisionTimeout time.Duration
	logger           *slog.Logger
}

type FulfillmentConfig struct {
	DefaultPaymentProvider string
	DefaultCurrency        string
	ProvisionTimeout       time.Duration
}

func NewFulfillmentService(
	plans planStore,
	orders orderStore,
	paymentStore paymentStore,
	esims esimStore,
	registry payments.Registry,
	esimProvider esim.Provider,
	emailProvider email.Provider,
	config FulfillmentConfig,
	logger *slog.Logger,
) *FulfillmentService {
	if config.DefaultPaymentProvider == "" {
		config.DefaultPaymentProvider = "mock"
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}
	if config.ProvisionTimeout <= 0 {
		config.ProvisionTimeout = 15 * time.Second
	}

	return &FulfillmentService{
		plans:            plans,
		orders:           orders,
		payments:         paymentStore,
		esims:            esims,
		registry:         registry,
		defaultProvider:  config.DefaultPaymentProvider,
		esimProvider:     esimProvider,
		emailProvider:    emailProvider,
		defaultCurrency:  config.DefaultCurrency,
		provisionTimeout: config.ProvisionTimeout,
		logger:           logger,
	}
}

func (s *FulfillmentService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type CreateOrderInput struct {
	UserID         uuid.UUID
	PlanID         uuid.UUID
	IdempotencyKey string
}

// CreateOrder creates an order in created state with a pending eSIM
// profile. When an idempotency key is supplied, retries with the same
// user and key return the original order; created reports whether this
// call made a new one. Keys are scoped per user so two customers can
// never collide on a generic key value.
func (s *FulfillmentService) CreateOrder(ctx context.Context, input CreateOrderInput) (order *models.Order, created bool, err error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.create_order",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("CreateOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)

	scopedKey := ""
	if input.IdempotencyKey != "" {
		scopedKey = input.UserID.String() + ":" + input.IdempotencyKey
	}

	if scopedKey != "" {
		existing, err := s.orders.GetByIdempotencyKey(ctx, scopedKey)
		if err == nil {
			meter.Count("order.create.replayed", 1)
			return existing, false, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, false, err
		}
	}

	plan, err := s.plans.GetByID(ctx, input.PlanID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, ErrPlanNotFound
	}
	if err != nil {
		return nil, false, err
	}

	currency := plan.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	order = &models.Order{
		UserID:           input.UserID,
		PlanID:           plan.ID,
		PlanSnapshot:     models.SnapshotOf(plan),
		Status:           models.OrderStatusCreated,
		AmountMinorUnits: plan.PriceMinorUnits,
		Currency:         currency,
		IdempotencyKey:   scopedKey,
	}
	profile := &models.EsimProfile{
		UserID:    input.UserID,
		PlanID:    plan.ID,
		CountryID: plan.CountryID,
		CarrierID: plan.CarrierID,
		Status:    models.EsimStatusPendingActivation,
	}

	err = s.orders.CreateWithProfile(ctx, order, profile)
	if errors.Is(err, db.ErrDuplicateKey) {
		// A concurrent request with the same key won the insert race.
		winner, readErr := s.orders.GetByIdempotencyKey(ctx, scopedKey)
		if readErr != nil {
			return nil, false, readErr
		}
		meter.Count("order.create.replayed", 1)
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	meter.Count("order.create.succeeded", 1, sentry.WithAttributes(
		attribute.String("currency", order.Currency),
	))
	s.loggerFromContext(ctx).Info("order created",
		"order_id", order.ID, "order_number", order.OrderNumber, "plan_id", plan.ID)
	return order, true, nil
}

func (s *FulfillmentService) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.GetForUser(ctx, orderID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (s *FulfillmentService) ListOrders(ctx context.Context, userID uuid.UUID) ([]*models.Order, error) {
	return s.orders.ListByUser(ctx, userID, 100)
}

// PaymentIntentOutput is what the client needs to drive the provider's
// payment flow.
type PaymentIntentOutput struct {
	Payment      *models.Payment
	Provider     string
	ClientSecret string
}

// CreatePaymentIntent opens a payment attempt against an order. Paid
// orders are rejected; created and payment_failed orders may take new
// attempts. The provider-side create is keyed on the order so transport
// retries resolve to the same intent, and an intent that already has a
// payment row is returned as-is instead of erroring.
func (s *FulfillmentService) CreatePaymentIntent(ctx context.Context, userID, orderID uuid.UUID, providerName string) (*PaymentIntentOutput, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.create_payment_intent",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("CreatePaymentIntent"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)

	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusPaid {
		return nil, ErrOrderNotPayable
	}

	if providerName == "" {
		providerName = s.defaultProvider
	}
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	// Key the provider call on the order plus its attempt generation. A
	// created order always resolves to one intent; after a failure the key
	// changes so the retry opens a fresh intent instead of resurrecting
	// the failed one.
	intentKey := "order-" + order.ID.String()
	if order.Status == models.OrderStatusPaymentFailed {
		intentKey = intentKey + "-retry-" + uuid.NewString()
	}

	intent, err := provider.CreateIntent(ctx, order.AmountMinorUnits, order.Currency, map[string]string{
		"order_id": order.ID.String(),
		"user_id":  order.UserID.String(),
	}, intentKey)
	if err != nil {
		meter.Count("payment.intent.failed", 1, sentry.WithAttributes(
			attribute.String("provider", providerName),
		))
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	payment := &models.Payment{
		OrderID:  order.ID,
		Provider: providerName,
		IntentID: intent.IntentID,
		Status:   models.PaymentStatusRequiresAction,
	}
	err = s.payments.Create(ctx, payment)
	if errors.Is(err, db.ErrDuplicateKey) {
		// Same intent already recorded by an earlier retry.
		payment, err = s.payments.GetByIntentID(ctx, intent.IntentID)
	}
	if err != nil {
		return nil, err
	}

	meter.Count("payment.intent.created", 1, sentry.WithAttributes(
		attribute.String("provider", providerName),
	))
	return &PaymentIntentOutput{
		Payment:      payment,
		Provider:     providerName,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// ParseWebhook authenticates a raw webhook delivery with the named
// provider. Validation failures surface payments.ErrWebhookValidation;
// anything else about the delivery is handled in ApplyPaymentEvent.
func (s *FulfillmentService) ParseWebhook(ctx context.Context, providerName string, body []byte, signatureHeader string) (*payments.Intent, error) {
	if providerName == "" {
		providerName = s.defaultProvider
	}
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	return provider.VerifyAndParseWebhook(body, signatureHeader)
}

// WebhookResult reports what a webhook delivery did. Known is false for
// intents with no payment row; those deliveries are absorbed so the
// provider stops retrying.
type WebhookResult struct {
	Known   bool
	Applied bool
	OrderID uuid.UUID
	Status  models.OrderStatus
}

// ApplyPaymentEvent applies a parsed webhook to the payment it names.
// Transitions are forward-only and replays are no-ops; the first
// transition to succeeded settles the order.
func (s *FulfillmentService) ApplyPaymentEvent(ctx context.Context, intent *payments.Intent, rawPayload []byte) (*WebhookResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.apply_payment_event",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("ApplyPaymentEvent"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	logger := s.loggerFromContext(ctx)

	var status models.PaymentStatus
	switch intent.Status {
	case payments.IntentStatusSucceeded:
		status = models.PaymentStatusSucceeded
	case payments.IntentStatusFailed:
		status = models.PaymentStatusFailed
	default:
		status = models.PaymentStatusRequiresAction
	}

	outcome, err := s.payments.ApplyWebhook(ctx, intent.IntentID, status, rawPayload)
	if errors.Is(err, db.ErrNotFound) {
		// Unknown intent: log it, absorb the delivery. Returning an error
		// would make the provider retry forever.
		logger.Warn("webhook for unknown payment intent", "intent_id", intent.IntentID)
		meter.Count("payment.webhook.unknown_intent", 1)
		return &WebhookResult{Known: false}, nil
	}
	if err != nil {
		return nil, err
	}

	meter.Count("payment.webhook.applied", 1, sentry.WithAttributes(
		attribute.String("status", string(status)),
	))
	if outcome.Applied {
		logger.Info("payment webhook applied",
			"intent_id", intent.IntentID, "order_id", outcome.OrderID, "order_status", outcome.OrderStatus)
	}
	return &WebhookResult{
		Known:   true,
		Applied: outcome.Applied,
		OrderID: outcome.OrderID,
		Status:  outcome.OrderStatus,
	}, nil
}

type ActivateEsimInput struct {
	UserID    uuid.UUID
	OrderID   uuid.UUID
	UserEmail string
	UserName  string
}

// ActivateEsim fulfills a paid order. Pre-provisioned inventory is
// claimed and stamped onto the profile in one transaction; only when no
// stock matches does the external provider get called, bounded by its
// own timeout and with no database locks held. Activation is idempotent:
// a provisioned profile is returned as-is and a lost race resolves to
// the winner's payload, rolling any inventory claim back to available.
func (s *FulfillmentService) ActivateEsim(ctx context.Context, input ActivateEsimInput) (*models.EsimProfile, error) {
	span := sentry.StartSpan(
		ctx,
		"service.fulfillment.activate_esim",
		sentry.WithOpName("service.fulfillment"),
		sentry.WithDescription("ActivateEsim"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)

	order, err := s.GetOrder(ctx, input.OrderID, input.UserID)
	if err != nil {
		return nil, err
	}

	profile, err := s.esims.GetByOrderID(ctx, order.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrEsimNotFound
	}
	if err != nil {
		return nil, err
	}
	if profile.Provisioned() {
		meter.Count("esim.activate.replayed", 1)
		return profile, nil
	}

	if order.Status != models.OrderStatusPaid {
		return nil, ErrOrderNotPaid
	}

	activated, applied, err := s.esims.ActivateFromInventory(ctx, profile.ID, db.ReserveFilters{
		PlanID:    profile.PlanID,
		CountryID: profile.CountryID,
		CarrierID: profile.CarrierID,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.completeActivation(ctx, order, activated, input, "inventory")
		return activated, nil
	}

	// Nothing was applied: either a concurrent activation won or no stock
	// matched. Re-reading the profile tells the two apart.
	current, err := s.esims.GetByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if current.Provisioned() {
		meter.Count("esim.activate.lost_race", 1)
		return current, nil
	}

	data, err := s.provisionFromProvider(ctx, order, profile, input)
	if err != nil {
		return nil, err
	}

	activated, applied, err = s.esims.ActivateFromProvider(ctx, profile.ID, data)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent activation finished first; hand back its result.
		meter.Count("esim.activate.lost_race", 1)
		return s.esims.GetByOrderID(ctx, order.ID)
	}

	s.completeActivation(ctx, order, activated, input, "provider")
	return activated, nil
}

// provisionFromProvider calls the external provisioning gateway under
// its own deadline so a hung upstream cannot pin the request.
func (s *FulfillmentService) provisionFromProvider(ctx context.Context, order *models.Order, profile *models.EsimProfile, input ActivateEsimInput) (db.ProvisionData, error) {
	provCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()

	result, err := s.esimProvider.Provision(provCtx, esim.Request{
		Order:         order,
		Profile:       profile,
		CustomerEmail: input.UserEmail,
		CustomerName:  input.UserName,
	})
	if err != nil {
		observability.MeterFromContext(ctx).Count("esim.provision.failed", 1, sentry.WithAttributes(
			attribute.String("provider", s.esimProvider.Name()),
		))
		return db.ProvisionData{}, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	return db.ProvisionData{
		ActivationCode:    result.ActivationCode,
		ICCID:             result.ICCID,
		QRPayload:         result.QRPayload,
		Instructions:      result.Instructions,
		ProviderReference: result.ProviderReference,
		ProviderPayload:   result.Metadata,
	}, nil
}

func (s *FulfillmentService) completeActivation(ctx context.Context, order *models.Order, profile *models.EsimProfile, input ActivateEsimInput, source string) {
	observability.MeterFromContext(ctx).Count("esim.activate.succeeded", 1, sentry.WithAttributes(
		attribute.String("source", source),
	))
	s.sendActivationEmail(ctx, order, profile, input)
	s.loggerFromContext(ctx).Info("esim activated",
		"order_id", order.ID, "profile_id", profile.ID, "source", source)
}

func (s *FulfillmentService) sendActivationEmail(ctx context.Context, order *models.Order, profile *models.EsimProfile, input ActivateEsimInput) {
	if s.emailProvider == nil || input.UserEmail == "" {
		return
	}

	info := &email.ActivationInfo{
		CustomerEmail:  input.UserEmail,
		CustomerName:   input.UserName,
		PlanName:       order.PlanSnapshot.Name,
		OrderNumber:    fmt.Sprintf("#%d", order.OrderNumber),
		ActivationCode: profile.ActivationCode,
		ICCID:          profile.ICCID,
		QRPayload:      profile.QRPayload,
		Instructions:   profile.Instructions,
	}
	if err := email.SendEsimActivated(ctx, s.emailProvider, info); err != nil {
		// Fulfillment already committed; mail failure is logged, not returned.
		s.loggerFromContext(ctx).Warn("failed to send activation email", "error", err, "order_id", order.ID)
	}
}

func (s *FulfillmentService) GetEsim(ctx context.Context, profileID, userID uuid.UUID) (*models.EsimProfile, error) {
	profile, err := s.esims.GetForUser(ctx, profileID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrEsimNotFound
	}
	return profile, err
}

func (s *FulfillmentService) ListEsims(ctx context.Context, userID uuid.UUID) ([]*models.EsimProfile, error) {
	return s.esims.ListByUser(ctx, userID, 100)
}
