package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/paysync/app/models"
)

const testWebhookSecret = "whsec_test_secret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.BillingPlan{},
		&models.BillingCheckoutSession{},
		&models.BillingSubscription{},
		&models.BillingSubscriptionHistory{},
		&models.BillingWebhookEvent{},
	))
	return db
}

// seedPlans creates basic (id 1) and pro (id 2), pro ranking higher.
func seedPlans(t *testing.T, db *gorm.DB) (basic, pro *models.BillingPlan) {
	t.Helper()
	basic = &models.BillingPlan{ID: 1, Slug: "basic", Name: "Basic", DisplayOrder: 1, MonthlyPriceRef: "price_basic_m", YearlyPriceRef: "price_basic_y", IsActive: true}
	pro = &models.BillingPlan{ID: 2, Slug: "pro", Name: "Pro", DisplayOrder: 2, MonthlyPriceRef: "price_pro_m", YearlyPriceRef: "price_pro_y", IsActive: true}
	require.NoError(t, db.Create(basic).Error)
	require.NoError(t, db.Create(pro).Error)
	return basic, pro
}

type fakeProcessor struct {
	mu            sync.Mutex
	sessions      map[string]*ProcessorCheckoutSession
	subscriptions map[string]*ProcessorSubscription
	retrieveErr   error
	created       []CheckoutRequest
	updates       []SubscriptionUpdate
	cancels       []string
	nextSession   int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		sessions:      map[string]*ProcessorCheckoutSession{},
		subscriptions: map[string]*ProcessorSubscription{},
	}
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*ProcessorCheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	id := fmt.Sprintf("cs_fake_%d", f.nextSession)
	cs := &ProcessorCheckoutSession{ID: id, URL: "https://checkout.example/" + id, Status: "open", PaymentStatus: "unpaid"}
	f.sessions[id] = cs
	f.created = append(f.created, req)
	return cs, nil
}

func (f *fakeProcessor) RetrieveCheckoutSession(_ context.Context, id string) (*ProcessorCheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	cs, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such checkout session: %s", id)
	}
	out := *cs
	return &out, nil
}

func (f *fakeProcessor) RetrieveSubscription(_ context.Context, id string) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	out := *sub
	return &out, nil
}

func (f *fakeProcessor) UpdateSubscription(_ context.Context, id string, update SubscriptionUpdate) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	sub.PriceRef = update.PriceRef
	f.updates = append(f.updates, update)
	out := *sub
	return &out, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, id string) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	sub.CancelAtPeriodEnd = true
	f.cancels = append(f.cancels, id)
	out := *sub
	return &out, nil
}

func (f *fakeProcessor) setSession(cs *ProcessorCheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[cs.ID] = cs
}

func (f *fakeProcessor) setSubscription(sub *ProcessorSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub.ID] = sub
}

type enqueuedJob struct {
	Kind   string
	ID     string
	Source CheckoutSource
	Event  string
	Reason string
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
}

func (f *fakeEnqueuer) EnqueueCheckoutCompletion(_ context.Context, sessionID string, source CheckoutSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueuedJob{Kind: "checkout", ID: sessionID, Source: source})
	return nil
}

func (f *fakeEnqueuer) EnqueueSubscriptionSync(_ context.Context, subscriptionID, eventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueuedJob{Kind: "sync", ID: subscriptionID, Event: eventID, Reason: reason})
	return nil
}

func (f *fakeEnqueuer) snapshot() []enqueuedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueuedJob(nil), f.jobs...)
}

type testEnv struct {
	db        *gorm.DB
	svc       *Service
	processor *fakeProcessor
	enqueuer  *fakeEnqueuer
	basic     *models.BillingPlan
	pro       *models.BillingPlan
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	basic, pro := seedPlans(t, db)
	processor := newFakeProcessor()
	enqueuer := &fakeEnqueuer{}
	svc := NewServiceFromDB(db, processor, enqueuer, NewStripeVerifier(testWebhookSecret, 0), Config{
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	return &testEnv{db: db, svc: svc, processor: processor, enqueuer: enqueuer, basic: basic, pro: pro}
}

func (e *testEnv) createPendingSession(t *testing.T, externalID string, userID, planID uint, createdAt time.Time) *models.BillingCheckoutSession {
	t.Helper()
	session := &models.BillingCheckoutSession{
		ExternalSessionID: externalID,
		UserID:            userID,
		PlanID:            planID,
		BillingInterval:   models.BillingIntervalMonth,
		Status:            models.CheckoutStatusPending,
		CreatedAt:         createdAt.UTC(),
	}
	require.NoError(t, e.db.Create(session).Error)
	return session
}

func (e *testEnv) createSubscription(t *testing.T, userID, planID uint, externalID, status string, start, end time.Time) *models.BillingSubscription {
	t.Helper()
	ext := externalID
	endCopy := end.UTC()
	sub := &models.BillingSubscription{
		UserID:                 userID,
		PlanID:                 planID,
		Provider:               models.BillingProviderStripe,
		Status:                 status,
		ExternalCustomerID:     "cus_" + externalID,
		ExternalSubscriptionID: &ext,
		BillingInterval:        models.BillingIntervalMonth,
		CurrentPeriodStart:     start.UTC(),
		CurrentPeriodEnd:       &endCopy,
	}
	require.NoError(t, e.db.Create(sub).Error)
	return sub
}

func (e *testEnv) reloadSubscription(t *testing.T, externalID string) *models.BillingSubscription {
	t.Helper()
	var sub models.BillingSubscription
	require.NoError(t, e.db.Where("external_subscription_id = ?", externalID).First(&sub).Error)
	return &sub
}

func (e *testEnv) reloadSession(t *testing.T, externalID string) *models.BillingCheckoutSession {
	t.Helper()
	var session models.BillingCheckoutSession
	require.NoError(t, e.db.Where("external_session_id = ?", externalID).First(&session).Error)
	return &session
}

func (e *testEnv) historyFor(t *testing.T, subscriptionID uint) []models.BillingSubscriptionHistory {
	t.Helper()
	entries, err := e.svc.SubscriptionHistory(context.Background(), subscriptionID)
	require.NoError(t, err)
	return entries
}

// signedEvent builds a Stripe event body and a matching Stripe-Signature header.
func signedEvent(t *testing.T, id, eventType string, object map[string]interface{}) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body, signPayload(body, testWebhookSecret, time.Now())
}

func signPayload(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
