package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paysync/app/models"
)

func countEvents(t *testing.T, env *testEnv) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&n).Error)
	return n
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body, _ := signedEvent(t, "evt_1", EventCheckoutCompleted, map[string]interface{}{"id": "cs_1"})

	res, err := env.svc.IngestWebhook(context.Background(), body, signPayload(body, "whsec_wrong", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, IngestRejected, res.Outcome)
	assert.Equal(t, int64(0), countEvents(t, env), "untrusted payloads are not stored")
	assert.Empty(t, env.enqueuer.snapshot())
}

func TestIngestMalformedObject(t *testing.T) {
	env := newTestEnv(t)
	body, header := signedEvent(t, "evt_1", EventCheckoutCompleted, map[string]interface{}{"object": "checkout.session"})

	res, err := env.svc.IngestWebhook(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestMalformed, res.Outcome)
	assert.Equal(t, int64(0), countEvents(t, env))
}

func TestIngestCheckoutCompletedEnqueuesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body, header := signedEvent(t, "evt_1", EventCheckoutCompleted, map[string]interface{}{"id": "cs_1", "object": "checkout.session"})

	res, err := env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)

	for i := 0; i < 4; i++ {
		res, err := env.svc.IngestWebhook(ctx, body, header)
		require.NoError(t, err)
		assert.Equal(t, IngestDuplicate, res.Outcome)
	}

	jobs := env.enqueuer.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, enqueuedJob{Kind: "checkout", ID: "cs_1", Source: CheckoutSourceWebhook}, jobs[0])
	assert.Equal(t, int64(1), countEvents(t, env))
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	body, header := signedEvent(t, "evt_race", EventCheckoutCompleted, map[string]interface{}{"id": "cs_1"})

	const deliveries = 6
	outcomes := make([]IngestOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.IngestWebhook(context.Background(), body, header)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, o := range outcomes {
		if o == IngestAccepted {
			accepted++
		} else {
			assert.Equal(t, IngestDuplicate, o)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, env.enqueuer.snapshot(), 1)
}

func TestIngestEnqueueFailureRollsBackEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body, header := signedEvent(t, "evt_1", EventCheckoutCompleted, map[string]interface{}{"id": "cs_1"})

	env.enqueuer.err = errors.New("redis down")
	_, err := env.svc.IngestWebhook(ctx, body, header)
	require.Error(t, err)
	assert.Equal(t, int64(0), countEvents(t, env))

	// the processor redelivers once we answered with an error
	env.enqueuer.err = nil
	res, err := env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)
	assert.Len(t, env.enqueuer.snapshot(), 1)
}

func TestIngestInvoiceEventsApplyInline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createSubscription(t, 7, env.pro.ID, "sub_1", models.BillingStatusActive, periodStart, periodEnd)

	failed, header := signedEvent(t, "evt_fail", EventInvoicePaymentFailed, map[string]interface{}{
		"id":           "in_1",
		"object":       "invoice",
		"subscription": "sub_1",
	})
	res, err := env.svc.IngestWebhook(ctx, failed, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)
	assert.Equal(t, models.BillingStatusPastDue, env.reloadSubscription(t, "sub_1").Status)

	paid, header := signedEvent(t, "evt_paid", EventInvoicePaid, map[string]interface{}{
		"id":          "in_2",
		"object":      "invoice",
		"amount_paid": 1900,
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": "sub_1"},
		},
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{
				{"period": map[string]interface{}{"start": nextPeriodStart.Unix(), "end": nextPeriodEnd.Unix()}},
			},
		},
	})
	res, err = env.svc.IngestWebhook(ctx, paid, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)

	sub := env.reloadSubscription(t, "sub_1")
	assert.Equal(t, models.BillingStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(nextPeriodEnd))
	assert.Empty(t, env.enqueuer.snapshot())

	var stored models.BillingWebhookEvent
	require.NoError(t, env.db.Where("dedup_key = ?", "evt_paid").First(&stored).Error)
	assert.Equal(t, "sub_1", stored.ReferenceID)
}

func TestIngestInvoiceForUnknownSubscriptionDefersToSync(t *testing.T) {
	env := newTestEnv(t)
	body, header := signedEvent(t, "evt_1", EventInvoicePaymentFailed, map[string]interface{}{
		"id":           "in_1",
		"subscription": map[string]interface{}{"id": "sub_later", "object": "subscription"},
	})

	res, err := env.svc.IngestWebhook(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)

	jobs := env.enqueuer.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, enqueuedJob{Kind: "sync", ID: "sub_later", Event: "evt_1", Reason: EventInvoicePaymentFailed}, jobs[0])
}

func TestIngestCheckoutStatusEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPendingSession(t, "cs_exp", 7, env.pro.ID, time.Now())
	env.createPendingSession(t, "cs_fail", 8, env.pro.ID, time.Now())

	body, header := signedEvent(t, "evt_exp", EventCheckoutExpired, map[string]interface{}{"id": "cs_exp"})
	res, err := env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)
	assert.Equal(t, models.CheckoutStatusExpired, env.reloadSession(t, "cs_exp").Status)

	body, header = signedEvent(t, "evt_fail", EventCheckoutAsyncPaymentFailed, map[string]interface{}{"id": "cs_fail"})
	res, err = env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)
	assert.Equal(t, models.CheckoutStatusFailed, env.reloadSession(t, "cs_fail").Status)
}

func TestIngestSubscriptionEventsAndUnknownTypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body, header := signedEvent(t, "evt_del", EventSubscriptionDeleted, map[string]interface{}{"id": "sub_1", "object": "subscription"})
	res, err := env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)

	body, header = signedEvent(t, "evt_other", "customer.created", map[string]interface{}{"id": "cus_1"})
	res, err = env.svc.IngestWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Outcome)

	jobs := env.enqueuer.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, enqueuedJob{Kind: "sync", ID: "sub_1", Event: "evt_del", Reason: EventSubscriptionDeleted}, jobs[0])
	assert.Equal(t, int64(2), countEvents(t, env), "ignored events are still logged")
}
