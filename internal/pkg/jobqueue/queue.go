package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/paysync/internal/pkg/billing"
	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// DefaultKeyPrefix namespaces every key the queue writes.
const DefaultKeyPrefix = "billing:queue:"

// Handler processes one job. It must re-read any state it needs from
// durable storage; the payload only identifies the entity.
type Handler func(ctx context.Context, job *Job, payload Payload) Result

// Config configures a Queue.
type Config struct {
	Workers         int
	KeyPrefix       string
	Options         Options
	PollTimeout     time.Duration
	PromoteInterval time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:         3,
		KeyPrefix:       DefaultKeyPrefix,
		Options:         DefaultOptions(),
		PollTimeout:     time.Second,
		PromoteInterval: time.Second,
	}
}

// ConfigFromEnv reads JOBQUEUE_WORKERS and JOBQUEUE_ATTEMPTS.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Workers = env.GetEnvInt("JOBQUEUE_WORKERS", cfg.Workers)
	cfg.Options.Attempts = env.GetEnvInt("JOBQUEUE_ATTEMPTS", cfg.Options.Attempts)
	return cfg
}

type queueKeys struct {
	prefix    string
	waiting   string
	active    string
	delayed   string
	failed    string
	completed string
	stats     string
	lock      string
}

func newQueueKeys(prefix string) queueKeys {
	return queueKeys{
		prefix:    prefix,
		waiting:   prefix + "waiting",
		active:    prefix + "active",
		delayed:   prefix + "delayed",
		failed:    prefix + "failed",
		completed: prefix + "completed",
		stats:     prefix + "stats",
		lock:      prefix + "housekeeping:lock",
	}
}

func (k queueKeys) job(id string) string {
	return k.prefix + "job:" + id
}

// promoteScript moves due jobs from the delayed set to the waiting list in
// one step so two promoters cannot push the same job twice.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// Queue is a Redis backed at-least-once job queue. Jobs are stored as JSON
// under job:<id>; their ids move between the waiting and active lists and
// the delayed, failed and completed sorted sets.
type Queue struct {
	client     redis.UniversalClient
	cfg        Config
	keys       queueKeys
	handlers   map[JobType]Handler
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// NewQueue creates a queue on an existing client. The client is owned by
// the caller.
func NewQueue(client redis.UniversalClient, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = def.PromoteInterval
	}
	cfg.Options = cfg.Options.normalized()

	return &Queue{
		client:     client,
		cfg:        cfg,
		keys:       newQueueKeys(cfg.KeyPrefix),
		handlers:   make(map[JobType]Handler),
		workerPool: make(chan struct{}, cfg.Workers),
		stopCh:     make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle registers the handler for a job type. Call before Start.
func (q *Queue) Handle(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	log.Infof("[JobQueue] Starting %d workers", q.cfg.Workers)

	for i := 0; i < q.cfg.Workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.promoter()
}

// Stop stops the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// promoter moves due delayed jobs back to waiting.
func (q *Queue) promoter() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil {
				log.Errorf("[JobQueue] Promote delayed jobs: %v", err)
			}
		}
	}
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool
			if _, err := q.ProcessNext(ctx); err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: %v", id, err)
					time.Sleep(time.Second)
				}
			}
			q.workerPool <- struct{}{}
		}
	}
}

// Enqueue validates and stores a job and makes it visible to workers.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (*Job, error) {
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", payload.JobType(), err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.now()
	opts := q.cfg.Options
	job := &Job{
		ID:               uuid.New().String(),
		Type:             payload.JobType(),
		Status:           JobStatusWaiting,
		Payload:          body,
		MaxAttempts:      opts.Attempts,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keys.job(job.ID), jobData, 0)
	pipe.LPush(ctx, q.keys.waiting, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// EnqueueCheckoutCompletion implements billing.Enqueuer.
func (q *Queue) EnqueueCheckoutCompletion(ctx context.Context, sessionID string, source billing.CheckoutSource) error {
	_, err := q.Enqueue(ctx, CheckoutCompletionJob{SessionID: sessionID, Source: source})
	return err
}

// EnqueueSubscriptionSync implements billing.Enqueuer.
func (q *Queue) EnqueueSubscriptionSync(ctx context.Context, subscriptionID, eventID, reason string) error {
	_, err := q.Enqueue(ctx, SubscriptionSyncJob{SubscriptionID: subscriptionID, EventID: eventID, Reason: reason})
	return err
}

// ProcessNext waits up to the poll timeout for a job and runs it. It
// returns redis.Nil when nothing was waiting.
func (q *Queue) ProcessNext(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, q.keys.waiting, q.keys.active, q.cfg.PollTimeout).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// body gone, e.g. removed by an operator while waiting
		q.client.LRem(ctx, q.keys.active, 1, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	q.processJob(ctx, job)
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsActive(q.now())
	q.updateJob(ctx, job)

	result := q.run(ctx, job)
	now := q.now()

	switch {
	case result.Outcome == OutcomeOK:
		job.MarkAsCompleted(now)
		q.finishCompleted(ctx, job)
		log.Infof("[JobQueue] Job %s completed (attempt %d)", job.ID, job.Attempts)

	case result.Outcome == OutcomeRetry && job.CanRetry():
		runAt := q.nextRunAt(now, job.Attempts)
		job.MarkAsDelayed(now, runAt, errString(result.Err))
		q.finishDelayed(ctx, job, runAt)
		log.Warnf("[JobQueue] Job %s attempt %d/%d failed, retrying at %s: %v", job.ID, job.Attempts, job.MaxAttempts, runAt.Format(time.RFC3339), result.Err)

	default:
		job.MarkAsFailed(now, errString(result.Err))
		q.finishFailed(ctx, job)
		if result.Outcome == OutcomeTerminal {
			log.Errorf("[JobQueue] Job %s failed permanently: %v", job.ID, result.Err)
		} else {
			log.Errorf("[JobQueue] Job %s exhausted %d attempts: %v", job.ID, job.Attempts, result.Err)
		}
	}
}

// run dispatches to the registered handler. Panics become retryable
// failures so one bad job cannot kill a worker.
func (q *Queue) run(ctx context.Context, job *Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()

	payload, err := DecodePayload(job)
	if err != nil {
		return Terminal(err)
	}
	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		return Terminal(fmt.Errorf("no handler registered for %s", job.Type))
	}
	return h(ctx, job, payload)
}

func (q *Queue) nextRunAt(now time.Time, attempt int) time.Time {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return NextRunAt(now, attempt, q.cfg.Options.Backoff, q.rng)
}

// finishCompleted also clears the failed set, in case the stuck check
// failed this job out while it was still running.
func (q *Queue) finishCompleted(ctx context.Context, job *Job) {
	pipe := q.client.TxPipeline()
	if job.RemoveOnComplete {
		pipe.Del(ctx, q.keys.job(job.ID))
	} else {
		q.setJob(ctx, pipe, job)
		pipe.ZAdd(ctx, q.keys.completed, redis.Z{Score: float64(job.FinishedAt.Unix()), Member: job.ID})
	}
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.ZRem(ctx, q.keys.failed, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, string(JobStatusCompleted), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to complete job %s: %v", job.ID, err)
	}
}

func (q *Queue) finishDelayed(ctx context.Context, job *Job, runAt time.Time) {
	pipe := q.client.TxPipeline()
	q.setJob(ctx, pipe, job)
	pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.ZRem(ctx, q.keys.failed, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, "retried", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to delay job %s: %v", job.ID, err)
	}
}

func (q *Queue) finishFailed(ctx context.Context, job *Job) {
	pipe := q.client.TxPipeline()
	if job.RemoveOnFail {
		pipe.Del(ctx, q.keys.job(job.ID))
	} else {
		q.setJob(ctx, pipe, job)
		pipe.ZAdd(ctx, q.keys.failed, redis.Z{Score: float64(job.FinishedAt.Unix()), Member: job.ID})
	}
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, string(JobStatusFailed), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to fail job %s: %v", job.ID, err)
	}
}

func (q *Queue) setJob(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	pipe.Set(ctx, q.keys.job(job.ID), jobData, 0)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, q.keys.job(job.ID), jobData, 0).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// PromoteDelayed moves delayed jobs whose time has come to waiting.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{q.keys.delayed, q.keys.waiting}, now, 500).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debugf("[JobQueue] Promoted %d delayed jobs", n)
	}
	return n, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, q.keys.job(jobID)).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Counts is the number of jobs in each state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// Depth is the backlog still to be processed.
func (c Counts) Depth() int64 {
	return c.Waiting + c.Active + c.Delayed
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.waiting)
	active := pipe.LLen(ctx, q.keys.active)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	completed := pipe.ZCard(ctx, q.keys.completed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: completed.Val(),
	}, nil
}

// GetJobStats returns the lifetime counters.
func (q *Queue) GetJobStats(ctx context.Context) (map[string]int64, error) {
	stats, err := q.client.HGetAll(ctx, q.keys.stats).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(stats))
	for name, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[name] = n
		}
	}
	return result, nil
}

// ListFailed returns failed jobs, most recent first.
func (q *Queue) ListFailed(ctx context.Context, offset, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.keys.failed, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ErrJobNotFailed is returned when retrying a job that is not in the failed set.
var ErrJobNotFailed = errors.New("job is not in the failed set")

// RetryFailed gives a failed job a fresh set of attempts.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) error {
	removed, err := q.client.ZRem(ctx, q.keys.failed, jobID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrJobNotFailed
	}
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	now := q.now()
	job.Status = JobStatusWaiting
	job.Attempts = 0
	job.ErrorMsg = ""
	job.FinishedAt = nil
	job.UpdatedAt = now

	pipe := q.client.TxPipeline()
	q.setJob(ctx, pipe, job)
	pipe.LPush(ctx, q.keys.waiting, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	log.Infof("[JobQueue] Job %s requeued by operator", jobID)
	return nil
}

// RemoveJob deletes a job from every structure.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keys.waiting, 0, jobID)
	pipe.LRem(ctx, q.keys.active, 0, jobID)
	pipe.ZRem(ctx, q.keys.delayed, jobID)
	pipe.ZRem(ctx, q.keys.failed, jobID)
	pipe.ZRem(ctx, q.keys.completed, jobID)
	del := pipe.Del(ctx, q.keys.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return redis.Nil
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
