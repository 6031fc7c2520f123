package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tribihq/tribi/internal/db"
	"github.com/tribihq/tribi/internal/email"
	"github.com/tribihq/tribi/internal/esim"
	"github.com/tribihq/tribi/internal/models"
	"github.com/tribihq/tribi/internal/payments"
)

// fakeBackend implements the store interfaces in memory, reproducing the
// behavior the SQL layer guarantees: unique idempotency keys and intent
// ids, forward-only payment transitions, exclusive inventory claims that
// roll back when the provisioned_at guard loses, and the guard itself.
type fakeBackend struct {
	mu sync.Mutex

	plans           map[uuid.UUID]*models.Plan
	ordersByID      map[uuid.UUID]*models.Order
	ordersByKey     map[string]uuid.UUID
	nextOrderNumber int64

	paymentsByIntent map[string]*models.Payment
	invoices         map[uuid.UUID]string

	inventory    []*models.EsimInventoryItem
	profilesByID map[uuid.UUID]*models.EsimProfile
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		plans:            map[uuid.UUID]*models.Plan{},
		ordersByID:       map[uuid.UUID]*models.Order{},
		ordersByKey:      map[string]uuid.UUID{},
		paymentsByIntent: map[string]*models.Payment{},
		invoices:         map[uuid.UUID]string{},
		profilesByID:     map[uuid.UUID]*models.EsimProfile{},
	}
}

func (f *fakeBackend) GetByID(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[planID]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *plan
	return &copied, nil
}

func (f *fakeBackend) CreateWithProfile(ctx context.Context, order *models.Order, profile *models.EsimProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if order.IdempotencyKey != "" {
		if _, exists := f.ordersByKey[order.IdempotencyKey]; exists {
			return fmt.Errorf("%w: idempotency key %q", db.ErrDuplicateKey, order.IdempotencyKey)
		}
	}

	f.nextOrderNumber++
	order.ID = uuid.New()
	order.OrderNumber = f.nextOrderNumber
	order.CreatedAt = time.Now()

	stored := *order
	f.ordersByID[order.ID] = &stored
	if order.IdempotencyKey != "" {
		f.ordersByKey[order.IdempotencyKey] = order.ID
	}

	profile.ID = uuid.New()
	profile.OrderID = order.ID
	profile.CreatedAt = order.CreatedAt
	storedProfile := *profile
	f.profilesByID[profile.ID] = &storedProfile
	return nil
}

func (f *fakeBackend) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orderID, ok := f.ordersByKey[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *f.ordersByID[orderID]
	return &copied, nil
}

func (f *fakeBackend) GetForUser(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.ordersByID[orderID]
	if !ok || order.UserID != userID {
		return nil, db.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeBackend) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []*models.Order
	for _, order := range f.ordersByID {
		if order.UserID == userID {
			copied := *order
			orders = append(orders, &copied)
		}
	}
	return orders, nil
}

func (f *fakeBackend) Create(ctx context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.paymentsByIntent[payment.IntentID]; exists {
		return fmt.Errorf("%w: intent %q", db.ErrDuplicateKey, payment.IntentID)
	}
	payment.ID = uuid.New()
	payment.CreatedAt = time.Now()
	stored := *payment
	f.paymentsByIntent[payment.IntentID] = &stored
	return nil
}

func (f *fakeBackend) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payment, ok := f.paymentsByIntent[intentID]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *payment
	return &copied, nil
}

func (f *fakeBackend) ApplyWebhook(ctx context.Context, intentID string, status models.PaymentStatus, rawPayload []byte) (*db.WebhookOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payment, ok := f.paymentsByIntent[intentID]
	if !ok {
		return nil, db.ErrNotFound
	}
	order := f.ordersByID[payment.OrderID]
	outcome := &db.WebhookOutcome{PaymentID: payment.ID, OrderID: payment.OrderID}

	if payment.Status == models.PaymentStatusSucceeded || payment.Status == status {
		outcome.OrderStatus = order.Status
		return outcome, nil
	}

	payment.Status = status
	payment.RawPayload = rawPayload
	outcome.Applied = true

	switch status {
	case models.PaymentStatusSucceeded:
		order.Status = models.OrderStatusPaid
		order.PaidAt = time.Now()
		if _, exists := f.invoices[order.ID]; !exists {
			f.invoices[order.ID] = fmt.Sprintf("TRB-%06d", order.OrderNumber)
		}
		outcome.OrderStatus = models.OrderStatusPaid
	case models.PaymentStatusFailed:
		if order.Status == models.OrderStatusCreated {
			order.Status = models.OrderStatusPaymentFailed
		}
		outcome.OrderStatus = order.Status
	default:
		outcome.OrderStatus = order.Status
	}
	return outcome, nil
}

func inventoryMatches(item *models.EsimInventoryItem, filters db.ReserveFilters) bool {
	switch {
	case filters.PlanID != uuid.Nil:
		return item.PlanID == filters.PlanID
	case filters.CountryID != uuid.Nil:
		return item.CountryID == filters.CountryID
	case filters.CarrierID != uuid.Nil:
		return item.CarrierID == filters.CarrierID
	default:
		return true
	}
}

func (f *fakeBackend) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.EsimProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, profile := range f.profilesByID {
		if profile.OrderID == orderID {
			copied := *profile
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeBackend) GetProfileForUser(ctx context.Context, profileID, userID uuid.UUID) (*models.EsimProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profilesByID[profileID]
	if !ok || profile.UserID != userID {
		return nil, db.ErrNotFound
	}
	copied := *profile
	return &copied, nil
}

func (f *fakeBackend) ListProfilesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.EsimProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var profiles []*models.EsimProfile
	for _, profile := range f.profilesByID {
		if profile.UserID == userID {
			copied := *profile
			profiles = append(profiles, &copied)
		}
	}
	return profiles, nil
}

func (f *fakeBackend) ActivateFromInventory(ctx context.Context, profileID uuid.UUID, filters db.ReserveFilters) (*models.EsimProfile, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	profile, ok := f.profilesByID[profileID]
	if !ok {
		return nil, false, db.ErrNotFound
	}

	var item *models.EsimInventoryItem
	for _, candidate := range f.inventory {
		if candidate.Status == models.InventoryStatusAvailable && inventoryMatches(candidate, filters) {
			item = candidate
			break
		}
	}
	if item == nil {
		return nil, false, nil
	}
	if !profile.ProvisionedAt.IsZero() {
		// The claim and the profile guard share one transaction, so a lost
		// guard rolls the claim back and the item stays available.
		return nil, false, nil
	}

	item.Status = models.InventoryStatusAssigned
	item.ReservedAt = time.Now()
	item.AssignedAt = time.Now()

	return stampProfile(profile, db.ProvisionData{
		ActivationCode:    item.ActivationCode,
		ICCID:             item.ICCID,
		QRPayload:         item.QRPayload,
		Instructions:      item.Instructions,
		ProviderReference: item.ProviderReference,
		ProviderPayload:   item.ProviderPayload,
	}, item.ID), true, nil
}

func (f *fakeBackend) ActivateFromProvider(ctx context.Context, profileID uuid.UUID, data db.ProvisionData) (*models.EsimProfile, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	profile, ok := f.profilesByID[profileID]
	if !ok {
		return nil, false, db.ErrNotFound
	}
	if !profile.ProvisionedAt.IsZero() {
		return nil, false, nil
	}

	item := &models.EsimInventoryItem{
		ID:                uuid.New(),
		PlanID:            profile.PlanID,
		CountryID:         profile.CountryID,
		CarrierID:         profile.CarrierID,
		ActivationCode:    data.ActivationCode,
		ICCID:             data.ICCID,
		QRPayload:         data.QRPayload,
		Instructions:      data.Instructions,
		Status:            models.InventoryStatusAssigned,
		ProviderReference: data.ProviderReference,
		ProviderPayload:   data.ProviderPayload,
		CreatedAt:         time.Now(),
		AssignedAt:        time.Now(),
	}
	f.inventory = append(f.inventory, item)

	return stampProfile(profile, data, item.ID), true, nil
}

func stampProfile(profile *models.EsimProfile, data db.ProvisionData, itemID uuid.UUID) *models.EsimProfile {
	profile.ActivationCode = data.ActivationCode
	profile.ICCID = data.ICCID
	profile.QRPayload = data.QRPayload
	profile.Instructions = data.Instructions
	profile.Status = models.EsimStatusActive
	profile.ProviderReference = data.ProviderReference
	profile.ProviderPayload = data.ProviderPayload
	profile.InventoryItemID = itemID
	profile.ProvisionedAt = time.Now()

	copied := *profile
	return &copied
}

// esimStoreAdapter renames the fake's profile methods onto the esimStore
// interface, whose GetForUser/ListByUser names collide with the order
// methods on fakeBackend.
type esimStoreAdapter struct{ backend *fakeBackend }

func (a esimStoreAdapter) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.EsimProfile, error) {
	return a.backend.GetByOrderID(ctx, orderID)
}

func (a esimStoreAdapter) GetForUser(ctx context.Context, profileID, userID uuid.UUID) (*models.EsimProfile, error) {
	return a.backend.GetProfileForUser(ctx, profileID, userID)
}

func (a esimStoreAdapter) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.EsimProfile, error) {
	return a.backend.ListProfilesByUser(ctx, userID, limit)
}

func (a esimStoreAdapter) ActivateFromInventory(ctx context.Context, profileID uuid.UUID, filters db.ReserveFilters) (*models.EsimProfile, bool, error) {
	return a.backend.ActivateFromInventory(ctx, profileID, filters)
}

func (a esimStoreAdapter) ActivateFromProvider(ctx context.Context, profileID uuid.UUID, data db.ProvisionData) (*models.EsimProfile, bool, error) {
	return a.backend.ActivateFromProvider(ctx, profileID, data)
}

type failingEsimProvider struct{}

func (failingEsimProvider) Name() string { return "failing" }

func (failingEsimProvider) Provision(ctx context.Context, req esim.Request) (*esim.ProvisioningResult, error) {
	return nil, fmt.Errorf("%w: upstream unavailable", esim.ErrProvisioning)
}

func newTestService(backend *fakeBackend, provider esim.Provider) *FulfillmentService {
	if provider == nil {
		provider = esim.NewLocalProvider()
	}
	return NewFulfillmentService(
		backend, backend, backend, esimStoreAdapter{backend},
		payments.NewRegistry(payments.NewMockProvider()),
		provider,
		email.NewNoopProvider(),
		FulfillmentConfig{DefaultPaymentProvider: "mock", DefaultCurrency: "USD", ProvisionTimeout: time.Second},
		nil,
	)
}

func seedPlan(backend *fakeBackend) *models.Plan {
	plan := &models.Plan{
		ID:              uuid.New(),
		Name:            "Japan 5GB",
		CountryID:       uuid.New(),
		CountryISO2:     "JP",
		CarrierID:       uuid.New(),
		CarrierName:     "NTT",
		DataGB:          5,
		DurationDays:    30,
		PriceMinorUnits: 1999,
		Currency:        "USD",
	}
	backend.plans[plan.ID] = plan
	return plan
}

func seedInventory(backend *fakeBackend, planID uuid.UUID, code string) *models.EsimInventoryItem {
	item := &models.EsimInventoryItem{
		ID:             uuid.New(),
		PlanID:         planID,
		ActivationCode: code,
		ICCID:          "89" + code,
		QRPayload:      "LPA:1$" + code,
		Status:         models.InventoryStatusAvailable,
		CreatedAt:      time.Now(),
	}
	backend.inventory = append(backend.inventory, item)
	return item
}

func createPaidOrder(t *testing.T, service *FulfillmentService, userID, planID uuid.UUID) *models.Order {
	t.Helper()

	order, _, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: userID,
		PlanID: planID,
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	intent, err := service.CreatePaymentIntent(context.Background(), userID, order.ID, "mock")
	if err != nil {
		t.Fatalf("CreatePaymentIntent() error = %v", err)
	}
	result, err := service.ApplyPaymentEvent(context.Background(), &payments.Intent{
		IntentID: intent.Payment.IntentID,
		Status:   payments.IntentStatusSucceeded,
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPaymentEvent() error = %v", err)
	}
	if result.Status != models.OrderStatusPaid {
		t.Fatalf("order status = %q, want paid", result.Status)
	}
	return order
}

func TestCreateOrderIdempotent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	first, created, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: userID, PlanID: plan.ID, IdempotencyKey: "checkout-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if !created {
		t.Fatalf("first call: created = false, want true")
	}
	if first.Status != models.OrderStatusCreated {
		t.Fatalf("Status = %q, want created", first.Status)
	}
	if first.AmountMinorUnits != plan.PriceMinorUnits {
		t.Fatalf("AmountMinorUnits = %d, want %d", first.AmountMinorUnits, plan.PriceMinorUnits)
	}

	second, created, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: userID, PlanID: plan.ID, IdempotencyKey: "checkout-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder() retry error = %v", err)
	}
	if created {
		t.Fatalf("retry: created = true, want false")
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned order %s, want %s", second.ID, first.ID)
	}
}

func TestCreateOrderKeyScopedPerUser(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)

	first, _, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: uuid.New(), PlanID: plan.ID, IdempotencyKey: "checkout-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	second, created, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: uuid.New(), PlanID: plan.ID, IdempotencyKey: "checkout-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if !created || second.ID == first.ID {
		t.Fatalf("same key from another user must create a distinct order")
	}
}

func TestCreateOrderConcurrentSameKey(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	const callers = 16
	var wg sync.WaitGroup
	orderIDs := make([]uuid.UUID, callers)
	createdFlags := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, created, err := service.CreateOrder(context.Background(), CreateOrderInput{
				UserID: userID, PlanID: plan.ID, IdempotencyKey: "race-key",
			})
			errs[i] = err
			if err == nil {
				orderIDs[i] = order.ID
				createdFlags[i] = created
			}
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: error = %v", i, errs[i])
		}
		if orderIDs[i] != orderIDs[0] {
			t.Fatalf("caller %d got order %s, want %s", i, orderIDs[i], orderIDs[0])
		}
		if createdFlags[i] {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("created count = %d, want exactly 1", createdCount)
	}
}

func TestCreateOrderUnknownPlan(t *testing.T) {
	t.Parallel()

	service := newTestService(newFakeBackend(), nil)

	_, _, err := service.CreateOrder(context.Background(), CreateOrderInput{
		UserID: uuid.New(), PlanID: uuid.New(),
	})
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("error = %v, want ErrPlanNotFound", err)
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	order, _, err := service.CreateOrder(context.Background(), CreateOrderInput{UserID: userID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	first, err := service.CreatePaymentIntent(context.Background(), userID, order.ID, "")
	if err != nil {
		t.Fatalf("CreatePaymentIntent() error = %v", err)
	}
	if first.Payment.Status != models.PaymentStatusRequiresAction {
		t.Fatalf("payment status = %q, want requires_action", first.Payment.Status)
	}
	if first.ClientSecret == "" {
		t.Fatalf("expected a client secret")
	}

	// Retrying resolves to the same intent through the provider-side
	// idempotency key and the intent_id uniqueness on the payment row.
	second, err := service.CreatePaymentIntent(context.Background(), userID, order.ID, "")
	if err != nil {
		t.Fatalf("CreatePaymentIntent() retry error = %v", err)
	}
	if second.Payment.IntentID != first.Payment.IntentID {
		t.Fatalf("retry intent = %q, want %q", second.Payment.IntentID, first.Payment.IntentID)
	}
}

func TestCreatePaymentIntentRejectsPaidOrder(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	_, err := service.CreatePaymentIntent(context.Background(), userID, order.ID, "")
	if !errors.Is(err, ErrOrderNotPayable) {
		t.Fatalf("error = %v, want ErrOrderNotPayable", err)
	}
}

func TestCreatePaymentIntentUnknownProvider(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	order, _, err := service.CreateOrder(context.Background(), CreateOrderInput{UserID: userID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	_, err = service.CreatePaymentIntent(context.Background(), userID, order.ID, "braintree")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestWebhookSettlesOrderOnce(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	order, _, err := service.CreateOrder(context.Background(), CreateOrderInput{UserID: userID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	intentOut, err := service.CreatePaymentIntent(context.Background(), userID, order.ID, "")
	if err != nil {
		t.Fatalf("CreatePaymentIntent() error = %v", err)
	}
	intent := &payments.Intent{IntentID: intentOut.Payment.IntentID, Status: payments.IntentStatusSucceeded}

	first, err := service.ApplyPaymentEvent(context.Background(), intent, nil)
	if err != nil {
		t.Fatalf("ApplyPaymentEvent() error = %v", err)
	}
	if !first.Applied || first.Status != models.OrderStatusPaid {
		t.Fatalf("first delivery: applied=%v status=%q, want applied paid", first.Applied, first.Status)
	}

	replay, err := service.ApplyPaymentEvent(context.Background(), intent, nil)
	if err != nil {
		t.Fatalf("ApplyPaymentEvent() replay error = %v", err)
	}
	if replay.Applied {
		t.Fatalf("replay was applied, want no-op")
	}
	if replay.Status != models.OrderStatusPaid {
		t.Fatalf("replay status = %q, want paid", replay.Status)
	}
	if len(backend.invoices) != 1 {
		t.Fatalf("invoice count = %d, want 1", len(backend.invoices))
	}
}

func TestWebhookFailureDoesNotRegressPaidOrder(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	// A second attempt's stale failure must leave the paid order alone.
	payment := &models.Payment{OrderID: order.ID, Provider: "mock", IntentID: "mock_intent_stale", Status: models.PaymentStatusRequiresAction}
	if err := backend.Create(context.Background(), payment); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := service.ApplyPaymentEvent(context.Background(), &payments.Intent{
		IntentID: "mock_intent_stale",
		Status:   payments.IntentStatusFailed,
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPaymentEvent() error = %v", err)
	}
	if result.Status != models.OrderStatusPaid {
		t.Fatalf("order status = %q, want paid", result.Status)
	}
}

func TestWebhookUnknownIntentAbsorbed(t *testing.T) {
	t.Parallel()

	service := newTestService(newFakeBackend(), nil)

	result, err := service.ApplyPaymentEvent(context.Background(), &payments.Intent{
		IntentID: "mock_intent_never_seen",
		Status:   payments.IntentStatusSucceeded,
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPaymentEvent() error = %v", err)
	}
	if result.Known {
		t.Fatalf("Known = true, want false")
	}
}

func TestActivateRequiresPaidOrder(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()

	order, _, err := service.CreateOrder(context.Background(), CreateOrderInput{UserID: userID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	_, err = service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if !errors.Is(err, ErrOrderNotPaid) {
		t.Fatalf("error = %v, want ErrOrderNotPaid", err)
	}
}

func TestActivateUsesInventoryFirst(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	item := seedInventory(backend, plan.ID, "STOCK-001")
	service := newTestService(backend, failingEsimProvider{})
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	profile, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("ActivateEsim() error = %v", err)
	}
	if profile.ActivationCode != "STOCK-001" {
		t.Fatalf("ActivationCode = %q, want inventory code", profile.ActivationCode)
	}
	if profile.InventoryItemID != item.ID {
		t.Fatalf("InventoryItemID = %s, want %s", profile.InventoryItemID, item.ID)
	}
	if item.Status != models.InventoryStatusAssigned {
		t.Fatalf("item status = %q, want assigned", item.Status)
	}
	if profile.Status != models.EsimStatusActive {
		t.Fatalf("profile status = %q, want active", profile.Status)
	}
}

func TestActivateFallsBackToProvider(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	profile, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("ActivateEsim() error = %v", err)
	}
	if !strings.HasPrefix(profile.ActivationCode, "LOCAL-") {
		t.Fatalf("ActivationCode = %q, want provider-generated code", profile.ActivationCode)
	}

	// The on-demand provisioning must leave an assigned audit row behind.
	assigned := 0
	for _, item := range backend.inventory {
		if item.Status == models.InventoryStatusAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("assigned inventory rows = %d, want 1", assigned)
	}
}

func TestActivateIdempotent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	seedInventory(backend, plan.ID, "STOCK-001")
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	first, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("ActivateEsim() error = %v", err)
	}
	second, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("ActivateEsim() replay error = %v", err)
	}

	if second.ActivationCode != first.ActivationCode || second.ICCID != first.ICCID || second.QRPayload != first.QRPayload {
		t.Fatalf("replay returned different material: %+v vs %+v", second, first)
	}
	if second.InventoryItemID != first.InventoryItemID {
		t.Fatalf("replay assigned a second inventory item")
	}
}

func TestActivateProvisioningFailureIsRetryable(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, failingEsimProvider{})
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	_, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("error = %v, want ErrProvisioningFailed", err)
	}

	// Stock arriving later makes the retry succeed.
	seedInventory(backend, plan.ID, "STOCK-LATE")
	profile, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("ActivateEsim() retry error = %v", err)
	}
	if profile.ActivationCode != "STOCK-LATE" {
		t.Fatalf("ActivationCode = %q, want STOCK-LATE", profile.ActivationCode)
	}
}

func TestConcurrentActivationsNeverShareInventory(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	const stock = 3
	const orders = 8
	for i := 0; i < stock; i++ {
		seedInventory(backend, plan.ID, fmt.Sprintf("STOCK-%03d", i))
	}
	service := newTestService(backend, nil)

	type result struct {
		profile *models.EsimProfile
		err     error
	}
	results := make([]result, orders)
	var wg sync.WaitGroup

	for i := 0; i < orders; i++ {
		userID := uuid.New()
		order := createPaidOrder(t, service, userID, plan.ID)
		wg.Add(1)
		go func(i int, userID, orderID uuid.UUID) {
			defer wg.Done()
			profile, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: orderID})
			results[i] = result{profile, err}
		}(i, userID, order.ID)
	}
	wg.Wait()

	seen := map[uuid.UUID]int{}
	fromStock := 0
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("activation %d: error = %v", i, r.err)
		}
		if r.profile.InventoryItemID == uuid.Nil {
			t.Fatalf("activation %d: no inventory item recorded", i)
		}
		seen[r.profile.InventoryItemID]++
		if strings.HasPrefix(r.profile.ActivationCode, "STOCK-") {
			fromStock++
		}
	}
	for itemID, count := range seen {
		if count > 1 {
			t.Fatalf("inventory item %s assigned to %d profiles", itemID, count)
		}
	}
	if fromStock != stock {
		t.Fatalf("activations served from stock = %d, want %d", fromStock, stock)
	}
}

func TestConcurrentActivationsSameOrderSingleAssignment(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	for i := 0; i < 5; i++ {
		seedInventory(backend, plan.ID, fmt.Sprintf("STOCK-%03d", i))
	}
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	const callers = 10
	profiles := make([]*models.EsimProfile, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profiles[i], errs[i] = service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: userID, OrderID: order.ID})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: error = %v", i, errs[i])
		}
		if profiles[i].ActivationCode != profiles[0].ActivationCode {
			t.Fatalf("caller %d saw code %q, want %q", i, profiles[i].ActivationCode, profiles[0].ActivationCode)
		}
	}

	// Losing attempts roll their claims back, so the rest of the stock is
	// still sellable; only one item may ever reach assigned for one order.
	assigned, available := 0, 0
	for _, item := range backend.inventory {
		switch item.Status {
		case models.InventoryStatusAssigned:
			assigned++
		case models.InventoryStatusAvailable:
			available++
		}
	}
	if assigned != 1 {
		t.Fatalf("assigned items = %d, want 1", assigned)
	}
	if available != 4 {
		t.Fatalf("available items = %d, want 4 (losing claims must be released)", available)
	}
}

func TestActivateLostRaceLeavesStockAvailable(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	userID := uuid.New()
	order := createPaidOrder(t, service, userID, plan.ID)

	profile, err := backend.GetByOrderID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetByOrderID() error = %v", err)
	}
	store := esimStoreAdapter{backend}

	// A concurrent activation settles the profile from the provider first.
	_, applied, err := store.ActivateFromProvider(context.Background(), profile.ID, db.ProvisionData{
		ActivationCode: "CNY-FIRST",
		ICCID:          "8820000000000000001",
	})
	if err != nil || !applied {
		t.Fatalf("ActivateFromProvider() = applied %v, err %v", applied, err)
	}

	// A stale attempt that raced past the provisioned check must not
	// consume stock: its claim rolls back with the lost guard.
	item := seedInventory(backend, plan.ID, "STOCK-001")
	_, applied, err = store.ActivateFromInventory(context.Background(), profile.ID, db.ReserveFilters{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("ActivateFromInventory() error = %v", err)
	}
	if applied {
		t.Fatalf("applied = true, want false for an already provisioned profile")
	}
	if item.Status != models.InventoryStatusAvailable {
		t.Fatalf("item status = %q, want available", item.Status)
	}
}

func TestActivateOwnershipEnforced(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	plan := seedPlan(backend)
	service := newTestService(backend, nil)
	owner := uuid.New()
	order := createPaidOrder(t, service, owner, plan.ID)

	_, err := service.ActivateEsim(context.Background(), ActivateEsimInput{UserID: uuid.New(), OrderID: order.ID})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}
