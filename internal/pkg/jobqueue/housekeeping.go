package jobqueue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// HousekeepingConfig controls queue cleanup. Intervals are read by the
// manager; the rest by the Housekeeper itself.
type HousekeepingConfig struct {
	CleanupInterval     time.Duration
	StuckCheckInterval  time.Duration
	MemoryCheckInterval time.Duration

	CompletedRetention time.Duration
	FailedRetention    time.Duration
	StuckAfter         time.Duration

	MemoryCriticalPercent        float64
	AggressiveCompletedRetention time.Duration
	AggressiveFailedRetention    time.Duration

	LockTTL time.Duration
}

func DefaultHousekeepingConfig() HousekeepingConfig {
	return HousekeepingConfig{
		CleanupInterval:              time.Hour,
		StuckCheckInterval:           6 * time.Hour,
		MemoryCheckInterval:          10 * time.Minute,
		CompletedRetention:           24 * time.Hour,
		FailedRetention:              7 * 24 * time.Hour,
		StuckAfter:                   time.Hour,
		MemoryCriticalPercent:        80,
		AggressiveCompletedRetention: time.Hour,
		AggressiveFailedRetention:    24 * time.Hour,
		LockTTL:                      10 * time.Minute,
	}
}

// HousekeepingConfigFromEnv reads HOUSEKEEPING_MEMORY_CRITICAL_PERCENT.
func HousekeepingConfigFromEnv() HousekeepingConfig {
	cfg := DefaultHousekeepingConfig()
	cfg.MemoryCriticalPercent = float64(env.GetEnvInt("HOUSEKEEPING_MEMORY_CRITICAL_PERCENT", int(cfg.MemoryCriticalPercent)))
	return cfg
}

func (c HousekeepingConfig) normalized() HousekeepingConfig {
	def := DefaultHousekeepingConfig()
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.StuckCheckInterval <= 0 {
		c.StuckCheckInterval = def.StuckCheckInterval
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = def.MemoryCheckInterval
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = def.CompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = def.FailedRetention
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = def.StuckAfter
	}
	if c.MemoryCriticalPercent <= 0 || c.MemoryCriticalPercent > 100 {
		c.MemoryCriticalPercent = def.MemoryCriticalPercent
	}
	if c.AggressiveCompletedRetention <= 0 {
		c.AggressiveCompletedRetention = def.AggressiveCompletedRetention
	}
	if c.AggressiveFailedRetention <= 0 {
		c.AggressiveFailedRetention = def.AggressiveFailedRetention
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// MemoryStats is the memory usage of the queue backend.
type MemoryStats struct {
	UsedBytes int64
	MaxBytes  int64
}

// Percent is 0 when no maxmemory limit is configured.
func (m MemoryStats) Percent() float64 {
	if m.MaxBytes <= 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.MaxBytes) * 100
}

// MemoryProbe reports backend memory usage.
type MemoryProbe func(ctx context.Context) (MemoryStats, error)

// RedisMemoryProbe reads used_memory and maxmemory from INFO memory.
func RedisMemoryProbe(client redis.UniversalClient) MemoryProbe {
	return func(ctx context.Context) (MemoryStats, error) {
		info, err := client.Info(ctx, "memory").Result()
		if err != nil {
			return MemoryStats{}, err
		}
		return parseMemoryInfo(info), nil
	}
}

func parseMemoryInfo(info string) MemoryStats {
	var stats MemoryStats
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		name, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "used_memory":
			stats.UsedBytes = n
		case "maxmemory":
			stats.MaxBytes = n
		}
	}
	return stats
}

// HousekeepingReport describes one housekeeping run.
type HousekeepingReport struct {
	Task             string  `json:"task"`
	Skipped          bool    `json:"skipped"`
	CompletedRemoved int64   `json:"completed_removed"`
	FailedRemoved    int64   `json:"failed_removed"`
	StuckFailed      int64   `json:"stuck_failed"`
	MemoryPercent    float64 `json:"memory_percent"`
	QueueDepth       int64   `json:"queue_depth"`
	Aggressive       bool    `json:"aggressive"`
}

// Housekeeper keeps the queue's Redis footprint bounded. All tasks share
// one Redis lock so only a single run is in progress across processes.
type Housekeeper struct {
	queue *Queue
	probe MemoryProbe
	cfg   HousekeepingConfig
}

// NewHousekeeper uses RedisMemoryProbe when probe is nil.
func NewHousekeeper(q *Queue, probe MemoryProbe, cfg HousekeepingConfig) *Housekeeper {
	if probe == nil {
		probe = RedisMemoryProbe(q.client)
	}
	return &Housekeeper{queue: q, probe: probe, cfg: cfg.normalized()}
}

func (h *Housekeeper) Config() HousekeepingConfig {
	return h.cfg
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// withLock runs fn while holding the housekeeping lock. It reports false
// when another run holds it.
func (h *Housekeeper) withLock(ctx context.Context, task string, fn func() error) (bool, error) {
	key := h.queue.keys.lock
	token := uuid.New().String()
	ok, err := h.queue.client.SetNX(ctx, key, token, h.cfg.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire housekeeping lock: %w", err)
	}
	if !ok {
		log.Infof("[Housekeeping] Skipping %s, another run is in progress", task)
		return false, nil
	}
	defer func() {
		if err := releaseLockScript.Run(context.Background(), h.queue.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warnf("[Housekeeping] Failed to release lock after %s: %v", task, err)
		}
	}()
	return true, fn()
}

// RunCleanup removes completed and failed jobs past their retention.
func (h *Housekeeper) RunCleanup(ctx context.Context) (HousekeepingReport, error) {
	report := HousekeepingReport{Task: "cleanup"}
	ran, err := h.withLock(ctx, report.Task, func() error {
		return h.cleanup(ctx, &report, h.cfg.CompletedRetention, h.cfg.FailedRetention)
	})
	report.Skipped = !ran && err == nil
	return report, err
}

func (h *Housekeeper) cleanup(ctx context.Context, report *HousekeepingReport, completedRetention, failedRetention time.Duration) error {
	now := h.queue.now()
	completed, err := h.queue.CleanCompleted(ctx, now.Add(-completedRetention))
	if err != nil {
		return err
	}
	failed, err := h.queue.CleanFailed(ctx, now.Add(-failedRetention))
	if err != nil {
		return err
	}
	report.CompletedRemoved += completed
	report.FailedRemoved += failed
	if completed > 0 || failed > 0 {
		log.Infof("[Housekeeping] Removed %d completed and %d failed jobs", completed, failed)
	}
	return nil
}

// RunStuckCheck fails out jobs that have been active longer than StuckAfter.
func (h *Housekeeper) RunStuckCheck(ctx context.Context) (HousekeepingReport, error) {
	report := HousekeepingReport{Task: "stuck"}
	ran, err := h.withLock(ctx, report.Task, func() error {
		n, err := h.queue.FailStuckJobs(ctx, h.cfg.StuckAfter)
		report.StuckFailed = n
		return err
	})
	report.Skipped = !ran && err == nil
	return report, err
}

// RunMemoryCheck reports memory use and queue depth, and cleans up with the
// aggressive retentions when memory is above the critical percentage.
func (h *Housekeeper) RunMemoryCheck(ctx context.Context) (HousekeepingReport, error) {
	report := HousekeepingReport{Task: "memory"}
	ran, err := h.withLock(ctx, report.Task, func() error {
		stats, err := h.probe(ctx)
		if err != nil {
			return fmt.Errorf("probe memory: %w", err)
		}
		counts, err := h.queue.Counts(ctx)
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		report.MemoryPercent = stats.Percent()
		report.QueueDepth = counts.Depth()

		if report.MemoryPercent < h.cfg.MemoryCriticalPercent {
			log.Debugf("[Housekeeping] Memory %.1f%% depth=%d failed=%d", report.MemoryPercent, report.QueueDepth, counts.Failed)
			return nil
		}
		log.Warnf("[Housekeeping] Memory at %.1f%% (critical %.0f%%), depth=%d, running aggressive cleanup",
			report.MemoryPercent, h.cfg.MemoryCriticalPercent, report.QueueDepth)
		report.Aggressive = true
		return h.cleanup(ctx, &report, h.cfg.AggressiveCompletedRetention, h.cfg.AggressiveFailedRetention)
	})
	report.Skipped = !ran && err == nil
	return report, err
}

// RunAll runs the three tasks in sequence, as used by the admin endpoint.
func (h *Housekeeper) RunAll(ctx context.Context) ([]HousekeepingReport, error) {
	var reports []HousekeepingReport
	for _, run := range []func(context.Context) (HousekeepingReport, error){h.RunCleanup, h.RunStuckCheck, h.RunMemoryCheck} {
		report, err := run(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

const cleanBatch = 500

// CleanCompleted deletes completed jobs finished before cutoff.
func (q *Queue) CleanCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	return q.cleanSet(ctx, q.keys.completed, cutoff)
}

// CleanFailed deletes failed jobs finished before cutoff.
func (q *Queue) CleanFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	return q.cleanSet(ctx, q.keys.failed, cutoff)
}

func (q *Queue) cleanSet(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	var removed int64
	maxScore := strconv.FormatInt(cutoff.Unix(), 10)
	for {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore, Count: cleanBatch}).Result()
		if err != nil {
			return removed, fmt.Errorf("scan %s: %w", key, err)
		}
		if len(ids) == 0 {
			return removed, nil
		}

		pipe := q.client.TxPipeline()
		members := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			pipe.Del(ctx, q.keys.job(id))
			members = append(members, id)
		}
		pipe.ZRem(ctx, key, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("remove from %s: %w", key, err)
		}
		removed += int64(len(ids))
		if len(ids) < cleanBatch {
			return removed, nil
		}
	}
}

// FailStuckJobs moves active jobs that started more than stuckAfter ago to
// the failed set. If the worker does finish later, its result wins.
func (q *Queue) FailStuckJobs(ctx context.Context, stuckAfter time.Duration) (int64, error) {
	ids, err := q.client.LRange(ctx, q.keys.active, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	now := q.now()
	var failed int64
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, redis.Nil) {
			q.client.LRem(ctx, q.keys.active, 0, id)
			continue
		}
		if err != nil {
			log.Errorf("[Housekeeping] Failed to load active job %s: %v", id, err)
			continue
		}
		since := activeSince(job)
		if now.Sub(since) < stuckAfter {
			continue
		}

		job.MarkAsFailed(now, fmt.Sprintf("stuck in active since %s", since.Format(time.RFC3339)))
		pipe := q.client.TxPipeline()
		q.setJob(ctx, pipe, job)
		pipe.ZAdd(ctx, q.keys.failed, redis.Z{Score: float64(now.Unix()), Member: job.ID})
		pipe.LRem(ctx, q.keys.active, 0, job.ID)
		pipe.HIncrBy(ctx, q.keys.stats, "stuck", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[Housekeeping] Failed to fail stuck job %s: %v", job.ID, err)
			continue
		}
		log.Warnf("[Housekeeping] Job %s (%s) stuck since %s, marked failed", job.ID, job.Type, since.Format(time.RFC3339))
		failed++
	}
	return failed, nil
}

// activeSince is when a job entered the active list. A worker that dies
// between claiming a job and saving it never records StartedAt, so the last
// write to the job stands in for it.
func activeSince(job *Job) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	if !job.UpdatedAt.IsZero() {
		return job.UpdatedAt
	}
	return job.CreatedAt
}
