package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/paysync/internal/pkg/billing"
)

var validate = validator.New()

// JobType defines the type of job
type JobType string

const (
	JobTypeCheckoutCompletion JobType = "checkout_completion"
	JobTypeSubscriptionSync   JobType = "subscription_sync"
)

// JobStatus mirrors the Redis structure a job currently lives in.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job represents a background job
type Job struct {
	ID               string          `json:"id"`
	Type             JobType         `json:"type"`
	Status           JobStatus       `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	RemoveOnFail     bool            `json:"remove_on_fail"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	NextRunAt        *time.Time      `json:"next_run_at,omitempty"`
	ErrorMsg         string          `json:"error_msg,omitempty"`
}

// Payload is the closed set of job bodies. Only types in this package
// implement it.
type Payload interface {
	JobType() JobType
	isPayload()
}

// CheckoutCompletionJob applies a paid checkout. The webhook path and the
// reconciliation sweep enqueue the same job.
type CheckoutCompletionJob struct {
	SessionID string                 `json:"session_id" validate:"required"`
	Source    billing.CheckoutSource `json:"source" validate:"required,oneof=webhook reconciliation"`
}

func (CheckoutCompletionJob) JobType() JobType { return JobTypeCheckoutCompletion }
func (CheckoutCompletionJob) isPayload()       {}

// SubscriptionSyncJob re-derives a subscription from the processor.
type SubscriptionSyncJob struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	EventID        string `json:"event_id"`
	Reason         string `json:"reason" validate:"required"`
}

func (SubscriptionSyncJob) JobType() JobType { return JobTypeSubscriptionSync }
func (SubscriptionSyncJob) isPayload()       {}

// DecodePayload returns the typed payload of a job.
func DecodePayload(job *Job) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch job.Type {
	case JobTypeCheckoutCompletion:
		var p CheckoutCompletionJob
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	case JobTypeSubscriptionSync:
		var p SubscriptionSyncJob
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", job.Type, err)
	}
	return payload, nil
}

// Outcome tells the queue what to do with a job after its handler ran.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetry
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is returned by every handler. Only Retryable results are
// scheduled again.
type Result struct {
	Outcome Outcome
	Err     error
}

func OK() Result                 { return Result{Outcome: OutcomeOK} }
func Retryable(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }
func Terminal(err error) Result  { return Result{Outcome: OutcomeTerminal, Err: err} }

// Options are stored on every job at enqueue time.
type Options struct {
	Attempts         int
	Backoff          BackoffConfig
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// MinAttempts is the floor applied to Options.Attempts.
const MinAttempts = 3

// DefaultOptions keeps failed jobs for inspection and drops completed ones.
func DefaultOptions() Options {
	return Options{
		Attempts:         5,
		Backoff:          DefaultBackoff(),
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func (o Options) normalized() Options {
	if o.Attempts < MinAttempts {
		o.Attempts = MinAttempts
	}
	o.Backoff = o.Backoff.normalized()
	return o
}

// MarkAsActive records the start of an attempt.
func (j *Job) MarkAsActive(now time.Time) {
	j.Status = JobStatusActive
	j.Attempts++
	j.StartedAt = &now
	j.NextRunAt = nil
	j.UpdatedAt = now
}

// MarkAsDelayed schedules the next attempt.
func (j *Job) MarkAsDelayed(now, runAt time.Time, errorMsg string) {
	j.Status = JobStatusDelayed
	j.NextRunAt = &runAt
	j.ErrorMsg = errorMsg
	j.UpdatedAt = now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(now time.Time, errorMsg string) {
	j.Status = JobStatusFailed
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.ErrorMsg = errorMsg
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
