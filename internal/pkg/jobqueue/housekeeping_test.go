package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paysync/internal/pkg/billing"
)

func staticProbe(used, limit int64) MemoryProbe {
	return func(context.Context) (MemoryStats, error) {
		return MemoryStats{UsedBytes: used, MaxBytes: limit}, nil
	}
}

// finishJob runs one job through the queue with the given result.
func finishJob(t *testing.T, tq *testQueue, result Result) *Job {
	t.Helper()
	ctx := context.Background()
	tq.Handle(JobTypeCheckoutCompletion, func(context.Context, *Job, Payload) Result { return result })
	_, err := tq.Enqueue(ctx, CheckoutCompletionJob{SessionID: "cs_1", Source: billing.CheckoutSourceWebhook})
	require.NoError(t, err)
	job, err := tq.ProcessNext(ctx)
	require.NoError(t, err)
	return job
}

func TestHousekeeper_RunCleanup(t *testing.T) {
	tq := newTestQueue(t, keepCompleted)
	ctx := context.Background()
	hk := NewHousekeeper(tq.Queue, staticProbe(0, 0), HousekeepingConfig{})

	oldCompleted := finishJob(t, tq, OK())
	oldFailed := finishJob(t, tq, Terminal(errors.New("bad")))

	tq.clock.Advance(8 * 24 * time.Hour)
	recentCompleted := finishJob(t, tq, OK())

	report, err := hk.RunCleanup(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, int64(1), report.CompletedRemoved)
	assert.Equal(t, int64(1), report.FailedRemoved)

	_, err = tq.GetJob(ctx, oldCompleted.ID)
	assert.Error(t, err)
	_, err = tq.GetJob(ctx, oldFailed.ID)
	assert.Error(t, err)
	_, err = tq.GetJob(ctx, recentCompleted.ID)
	assert.NoError(t, err)

	counts, err := tq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Zero(t, counts.Failed)
	assert.False(t, tq.mr.Exists(tq.keys.lock), "lock must be released")
}

func TestHousekeeper_SkipsWhileAnotherRunHoldsLock(t *testing.T) {
	tq := newTestQueue(t, keepCompleted)
	ctx := context.Background()
	hk := NewHousekeeper(tq.Queue, staticProbe(90, 100), HousekeepingConfig{})

	finishJob(t, tq, OK())
	tq.clock.Advance(48 * time.Hour)
	require.NoError(t, tq.mr.Set(tq.keys.lock, "other-process"))

	for _, run := range []func(context.Context) (HousekeepingReport, error){hk.RunCleanup, hk.RunStuckCheck, hk.RunMemoryCheck} {
		report, err := run(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped, report.Task)
	}

	counts, err := tq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)

	// a foreign lock is not released by us
	got, err := tq.mr.Get(tq.keys.lock)
	require.NoError(t, err)
	assert.Equal(t, "other-process", got)
}

func TestHousekeeper_RunStuckCheck(t *testing.T) {
	tq := newTestQueue(t)
	ctx := context.Background()
	hk := NewHousekeeper(tq.Queue, staticProbe(0, 0), HousekeepingConfig{StuckAfter: 30 * time.Minute})

	stuck, err := tq.Enqueue(ctx, CheckoutCompletionJob{SessionID: "cs_1", Source: billing.CheckoutSourceWebhook})
	require.NoError(t, err)
	// simulate a worker that crashed after picking the job up
	require.NoError(t, tq.client.RPopLPush(ctx, tq.keys.waiting, tq.keys.active).Err())
	stuck.MarkAsActive(tq.clock.Now())
	tq.updateJob(ctx, stuck)

	tq.clock.Advance(10 * time.Minute)
	fresh, err := tq.Enqueue(ctx, CheckoutCompletionJob{SessionID: "cs_2", Source: billing.CheckoutSourceWebhook})
	require.NoError(t, err)
	require.NoError(t, tq.client.RPopLPush(ctx, tq.keys.waiting, tq.keys.active).Err())
	fresh.MarkAsActive(tq.clock.Now())
	tq.updateJob(ctx, fresh)

	tq.clock.Advance(25 * time.Minute)
	report, err := hk.RunStuckCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.StuckFailed)

	failed, err := tq.ListFailed(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, stuck.ID, failed[0].ID)
	assert.Contains(t, failed[0].ErrorMsg, "stuck in active")

	counts, err := tq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Active)

	// the original worker finishing late wins over the stuck verdict
	stuck.MarkAsCompleted(tq.clock.Now())
	tq.finishCompleted(ctx, stuck)
	counts, err = tq.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Failed)
}

func TestHousekeeper_RunStuckCheckWithoutStartTime(t *testing.T) {
	tq := newTestQueue(t)
	ctx := context.Background()
	hk := NewHousekeeper(tq.Queue, staticProbe(0, 0), HousekeepingConfig{StuckAfter: time.Hour})

	job, err := tq.Enqueue(ctx, CheckoutCompletionJob{SessionID: "cs_1", Source: billing.CheckoutSourceWebhook})
	require.NoError(t, err)
	// the worker died right after claiming the job, before saving it
	require.NoError(t, tq.client.RPopLPush(ctx, tq.keys.waiting, tq.keys.active).Err())

	tq.clock.Advance(30 * time.Minute)
	report, err := hk.RunStuckCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StuckFailed)

	tq.clock.Advance(31 * time.Minute)
	report, err = hk.RunStuckCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.StuckFailed)

	counts, err := tq.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.Equal(t, int64(1), counts.Failed)

	stored, err := tq.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
}

func TestHousekeeper_RunMemoryCheck(t *testing.T) {
	tests := []struct {
		name            string
		used            int64
		max             int64
		wantAggressive  bool
		wantCompRemoved int64
	}{
		{"healthy", 50, 100, false, 0},
		{"no limit configured", 500, 0, false, 0},
		{"critical", 85, 100, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tq := newTestQueue(t, keepCompleted)
			ctx := context.Background()
			hk := NewHousekeeper(tq.Queue, staticProbe(tt.used, tt.max), HousekeepingConfig{})

			finishJob(t, tq, OK())
			tq.clock.Advance(2 * time.Hour)
			finishJob(t, tq, OK())
			_, err := tq.Enqueue(ctx, CheckoutCompletionJob{SessionID: "cs_waiting", Source: billing.CheckoutSourceWebhook})
			require.NoError(t, err)

			report, err := hk.RunMemoryCheck(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAggressive, report.Aggressive)
			assert.Equal(t, tt.wantCompRemoved, report.CompletedRemoved)
			assert.Equal(t, int64(1), report.QueueDepth)
			assert.InDelta(t, MemoryStats{UsedBytes: tt.used, MaxBytes: tt.max}.Percent(), report.MemoryPercent, 0.001)
		})
	}
}

func TestHousekeeper_RunAll(t *testing.T) {
	tq := newTestQueue(t)
	hk := NewHousekeeper(tq.Queue, staticProbe(1, 100), HousekeepingConfig{})

	reports, err := hk.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "cleanup", reports[0].Task)
	assert.Equal(t, "stuck", reports[1].Task)
	assert.Equal(t, "memory", reports[2].Task)
}

func TestParseMemoryInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\nmaxmemory:4194304\r\nmaxmemory_policy:noeviction\r\n"
	stats := parseMemoryInfo(info)
	assert.Equal(t, int64(1048576), stats.UsedBytes)
	assert.Equal(t, int64(4194304), stats.MaxBytes)
	assert.InDelta(t, 25.0, stats.Percent(), 0.001)
}

func TestHousekeepingConfigFromEnv(t *testing.T) {
	t.Setenv("HOUSEKEEPING_MEMORY_CRITICAL_PERCENT", "65")
	cfg := HousekeepingConfigFromEnv()
	assert.Equal(t, 65.0, cfg.MemoryCriticalPercent)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 6*time.Hour, cfg.StuckCheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.MemoryCheckInterval)
}
