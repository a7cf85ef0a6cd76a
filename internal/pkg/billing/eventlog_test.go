package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paysync/app/models"
)

func TestRecordIfNewDetectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := WebhookEventInput{
		Source:          "Stripe",
		ExternalEventID: "evt_1",
		EventType:       EventInvoicePaid,
		ReferenceID:     "sub_1",
		Payload:         []byte(`{"id":"evt_1"}`),
	}

	isNew, first, err := env.svc.RecordIfNew(ctx, in)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "stripe", first.Source)
	assert.Equal(t, "evt_1", first.DedupKey)

	for i := 0; i < 3; i++ {
		isNew, stored, err := env.svc.RecordIfNew(ctx, in)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, first.ID, stored.ID)
	}

	var count int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordIfNewFallsBackToReferenceKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := WebhookEventInput{Source: "stripe", EventType: EventInvoicePaymentFailed, ReferenceID: "sub_9"}
	isNew, event, err := env.svc.RecordIfNew(ctx, in)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "ref:sub_9:invoice.payment_failed", event.DedupKey)

	isNew, _, err = env.svc.RecordIfNew(ctx, in)
	require.NoError(t, err)
	assert.False(t, isNew)

	// same reference, different type is a different event
	in.EventType = EventInvoicePaid
	isNew, _, err = env.svc.RecordIfNew(ctx, in)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestRecordIfNewRejectsIncompleteInput(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.RecordIfNew(context.Background(), WebhookEventInput{Source: "stripe", EventType: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = env.svc.RecordIfNew(context.Background(), WebhookEventInput{ExternalEventID: "evt", EventType: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordIfNewConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := WebhookEventInput{Source: "stripe", ExternalEventID: "evt_race", EventType: EventInvoicePaid, ReferenceID: "sub_1"}

	const deliveries = 8
	results := make([]bool, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = env.svc.RecordIfNew(ctx, in)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	var count int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Where("dedup_key = ?", "evt_race").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
