package jobqueue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
	"github.com/ManuelReschke/paysync/internal/pkg/database"
)

const pipelineWebhookSecret = "whsec_pipeline"

type pipeline struct {
	db        *gorm.DB
	queue     *testQueue
	svc       *billing.Service
	processor *fakeProcessor
	sweeper   *Sweeper
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	require.NoError(t, db.Create(&models.BillingPlan{ID: 1, Slug: "basic", Name: "Basic", DisplayOrder: 1, MonthlyPriceRef: "price_basic_m", YearlyPriceRef: "price_basic_y", IsActive: true}).Error)

	tq := newTestQueue(t)
	processor := newFakeProcessor()
	svc := billing.NewServiceFromDB(db, processor, tq.Queue, billing.NewStripeVerifier(pipelineWebhookSecret, 0), billing.Config{
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	RegisterBillingHandlers(tq.Queue, svc)

	sweeper := NewSweeper(svc, processor, tq.Queue, DefaultSweeperConfig())
	// sessions created "now" are stale three hours later
	sweeper.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }

	return &pipeline{db: db, queue: tq, svc: svc, processor: processor, sweeper: sweeper}
}

// startPaidCheckout opens a checkout and marks it paid at the processor
// without any notification reaching us.
func (p *pipeline) startPaidCheckout(t *testing.T, userID uint) string {
	t.Helper()
	res, err := p.svc.StartCheckout(context.Background(), billing.StartCheckoutInput{UserID: userID, PlanID: 1, BillingInterval: "monthly"})
	require.NoError(t, err)
	id := res.Session.ExternalSessionID

	subID := "sub_" + id
	p.processor.setSession(&billing.ProcessorCheckoutSession{ID: id, Status: "complete", PaymentStatus: "paid", CustomerID: "cus_1", SubscriptionID: subID})
	p.processor.setSubscription(&billing.ProcessorSubscription{
		ID:         subID,
		CustomerID: "cus_1",
		Status:     "active",
		PriceRef:   "price_basic_m",
		Interval:   "month",
		Period: billing.Period{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	return id
}

func (p *pipeline) deliverCheckoutCompleted(t *testing.T, sessionID string) billing.IngestResult {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + sessionID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":     sessionID,
			"object": "checkout.session",
		}},
	})
	require.NoError(t, err)

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(pipelineWebhookSecret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	header := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	result, err := p.svc.IngestWebhook(context.Background(), body, header)
	require.NoError(t, err)
	return result
}

func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for {
		counts, err := p.queue.Counts(context.Background())
		require.NoError(t, err)
		if counts.Waiting == 0 {
			return
		}
		job, err := p.queue.ProcessNext(context.Background())
		require.NoError(t, err)
		require.Equal(t, JobStatusCompleted, job.Status, job.ErrorMsg)
	}
}

type endState struct {
	SessionStatus  string
	SessionSubID   string
	SubStatus      string
	SubPlanID      uint
	SubInterval    string
	SubCustomer    string
	SubPeriodStart time.Time
	SubPeriodEnd   time.Time
	HistoryRows    int64
}

func (p *pipeline) endState(t *testing.T, sessionID string) endState {
	t.Helper()
	session, err := p.svc.CheckoutSession(context.Background(), sessionID)
	require.NoError(t, err)

	var sub models.BillingSubscription
	require.NoError(t, p.db.Where("external_subscription_id = ?", session.ExternalSubscriptionID).First(&sub).Error)
	require.NotNil(t, sub.CurrentPeriodEnd)

	var history int64
	require.NoError(t, p.db.Model(&models.BillingSubscriptionHistory{}).Where("subscription_id = ?", sub.ID).Count(&history).Error)

	return endState{
		SessionStatus:  session.Status,
		SessionSubID:   session.ExternalSubscriptionID,
		SubStatus:      sub.Status,
		SubPlanID:      sub.PlanID,
		SubInterval:    sub.BillingInterval,
		SubCustomer:    sub.ExternalCustomerID,
		SubPeriodStart: sub.CurrentPeriodStart.UTC(),
		SubPeriodEnd:   sub.CurrentPeriodEnd.UTC(),
		HistoryRows:    history,
	}
}

func TestReconciliationMatchesWebhookPath(t *testing.T) {
	// webhook path
	live := newPipeline(t)
	liveID := live.startPaidCheckout(t, 7)
	result := live.deliverCheckoutCompleted(t, liveID)
	assert.Equal(t, billing.IngestAccepted, result.Outcome)
	live.drain(t)

	// recovery path: the notification never arrives
	recovered := newPipeline(t)
	recoveredID := recovered.startPaidCheckout(t, 7)
	report, err := recovered.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	recovered.drain(t)

	liveState := live.endState(t, liveID)
	assert.Equal(t, models.CheckoutStatusCompleted, liveState.SessionStatus)
	assert.Equal(t, models.BillingStatusActive, liveState.SubStatus)
	assert.Equal(t, liveState, recovered.endState(t, recoveredID))
}

func TestLateWebhookAfterSweepIsNoop(t *testing.T) {
	p := newPipeline(t)
	id := p.startPaidCheckout(t, 9)

	_, err := p.sweeper.Run(context.Background())
	require.NoError(t, err)
	p.drain(t)
	before := p.endState(t, id)

	result := p.deliverCheckoutCompleted(t, id)
	assert.Equal(t, billing.IngestAccepted, result.Outcome)
	p.drain(t)

	assert.Equal(t, before, p.endState(t, id))

	// the redelivered notification is deduplicated
	result = p.deliverCheckoutCompleted(t, id)
	assert.Equal(t, billing.IngestDuplicate, result.Outcome)
}

func TestSweeperExpiresAbandonedCheckout(t *testing.T) {
	p := newPipeline(t)
	res, err := p.svc.StartCheckout(context.Background(), billing.StartCheckoutInput{UserID: 11, PlanID: 1, BillingInterval: "month"})
	require.NoError(t, err)
	id := res.Session.ExternalSessionID

	// still open at the processor, two days later
	p.sweeper.now = func() time.Time { return time.Now().UTC().Add(49 * time.Hour) }
	report, err := p.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, int64(1), report.Expired)

	session, err := p.svc.CheckoutSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusExpired, session.Status)

	counts, err := p.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Depth())
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueCheckoutCompletion(context.Context, string, billing.CheckoutSource) error {
	return errors.New("redis unavailable")
}

func (failingEnqueuer) EnqueueSubscriptionSync(context.Context, string, string, string) error {
	return errors.New("redis unavailable")
}

func TestSweeperKeepsUnverifiedPaidCheckoutPending(t *testing.T) {
	p := newPipeline(t)
	id := p.startPaidCheckout(t, 7)
	later := func() time.Time { return time.Now().UTC().Add(50 * time.Hour) }

	// enqueue fails on a paid session past the expiry window
	failing := NewSweeper(p.svc, p.processor, failingEnqueuer{}, DefaultSweeperConfig())
	failing.now = later
	report, err := failing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Expired)

	// processor lookup fails
	blind := NewSweeper(p.svc, newFakeProcessor(), p.queue.Queue, DefaultSweeperConfig())
	blind.now = later
	report, err = blind.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Expired)

	session, err := p.svc.CheckoutSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusPending, session.Status)

	// the delayed notification still grants the subscription
	result := p.deliverCheckoutCompleted(t, id)
	assert.Equal(t, billing.IngestAccepted, result.Outcome)
	p.drain(t)
	state := p.endState(t, id)
	assert.Equal(t, models.CheckoutStatusCompleted, state.SessionStatus)
	assert.Equal(t, models.BillingStatusActive, state.SubStatus)
}
