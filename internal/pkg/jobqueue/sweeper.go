package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// CheckoutReconciler is the checkout tracker surface the sweeper needs.
type CheckoutReconciler interface {
	ListStalePendingSessions(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingCheckoutSession, error)
	ExpireSession(ctx context.Context, externalSessionID, reason string) (bool, error)
	ExpireStaleSessions(ctx context.Context, olderThan time.Time, ids []string) (int64, error)
}

// SessionRetriever reads a checkout session from the processor.
type SessionRetriever interface {
	RetrieveCheckoutSession(ctx context.Context, id string) (*billing.ProcessorCheckoutSession, error)
}

// SweeperConfig controls the reconciliation sweep.
type SweeperConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    6 * time.Hour,
		StaleAfter:  2 * time.Hour,
		ExpireAfter: 48 * time.Hour,
		BatchSize:   100,
	}
}

// SweeperConfigFromEnv reads SWEEP_INTERVAL_HOURS, SWEEP_STALE_MINUTES and
// CHECKOUT_EXPIRY_HOURS.
func SweeperConfigFromEnv() SweeperConfig {
	cfg := DefaultSweeperConfig()
	cfg.Interval = time.Duration(env.GetEnvInt("SWEEP_INTERVAL_HOURS", 6)) * time.Hour
	cfg.StaleAfter = time.Duration(env.GetEnvInt("SWEEP_STALE_MINUTES", 120)) * time.Minute
	cfg.ExpireAfter = time.Duration(env.GetEnvInt("CHECKOUT_EXPIRY_HOURS", 48)) * time.Hour
	return cfg
}

func (c SweeperConfig) normalized() SweeperConfig {
	def := DefaultSweeperConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = def.ExpireAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned  int   `json:"scanned"`
	Enqueued int   `json:"enqueued"`
	Expired  int64 `json:"expired"`
	Pending  int   `json:"pending"`
	Errors   int   `json:"errors"`
}

// Sweeper recovers checkouts whose completion webhook never arrived. Paid
// sessions go through the same CheckoutCompletionJob as the webhook path.
type Sweeper struct {
	checkouts CheckoutReconciler
	processor SessionRetriever
	enqueuer  billing.Enqueuer
	cfg       SweeperConfig
	now       func() time.Time
}

func NewSweeper(checkouts CheckoutReconciler, processor SessionRetriever, enqueuer billing.Enqueuer, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		checkouts: checkouts,
		processor: processor,
		enqueuer:  enqueuer,
		cfg:       cfg.normalized(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Interval is how often the manager should call Run.
func (s *Sweeper) Interval() time.Duration {
	return s.cfg.Interval
}

// Run performs one sweep. Per-session failures are counted in the report;
// only a failure to list sessions is returned as an error. A session is
// expired for age only after the processor confirmed it unpaid in this run,
// so lookup or enqueue failures leave it pending for the next sweep.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	sessions, err := s.checkouts.ListStalePendingSessions(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale checkout sessions: %w", err)
	}

	expireBefore := now.Add(-s.cfg.ExpireAfter)
	var abandoned []string
	for _, session := range sessions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		id := session.ExternalSessionID

		ps, err := s.processor.RetrieveCheckoutSession(ctx, id)
		if err != nil {
			report.Errors++
			log.Errorf("[Sweeper] Failed to retrieve checkout %s: %v", id, err)
			continue
		}

		switch {
		case ps.IsPaid():
			if err := s.enqueuer.EnqueueCheckoutCompletion(ctx, id, billing.CheckoutSourceReconciliation); err != nil {
				report.Errors++
				log.Errorf("[Sweeper] Failed to enqueue completion for checkout %s: %v", id, err)
				continue
			}
			report.Enqueued++
		case ps.IsExpired():
			changed, err := s.checkouts.ExpireSession(ctx, id, "expired at processor")
			if err != nil {
				report.Errors++
				log.Errorf("[Sweeper] Failed to expire checkout %s: %v", id, err)
				continue
			}
			if changed {
				report.Expired++
			}
		default:
			report.Pending++
			if session.CreatedAt.Before(expireBefore) {
				abandoned = append(abandoned, id)
			}
		}
	}

	if len(abandoned) > 0 {
		expired, err := s.checkouts.ExpireStaleSessions(ctx, expireBefore, abandoned)
		if err != nil {
			report.Errors++
			log.Errorf("[Sweeper] Failed to expire abandoned checkouts: %v", err)
		} else {
			report.Expired += expired
		}
	}

	log.Infof("[Sweeper] Sweep done: scanned=%d enqueued=%d expired=%d pending=%d errors=%d",
		report.Scanned, report.Enqueued, report.Expired, report.Pending, report.Errors)
	return report, nil
}
