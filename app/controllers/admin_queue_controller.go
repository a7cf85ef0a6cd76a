package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/paysync/internal/pkg/jobqueue"
)

// QueueAdmin is the queue introspection surface.
type QueueAdmin interface {
	Counts(ctx context.Context) (jobqueue.Counts, error)
	GetJobStats(ctx context.Context) (map[string]int64, error)
	ListFailed(ctx context.Context, offset, limit int64) ([]*jobqueue.Job, error)
	RetryFailed(ctx context.Context, jobID string) error
	RemoveJob(ctx context.Context, jobID string) error
}

type SweepRunner interface {
	Run(ctx context.Context) (jobqueue.SweepReport, error)
}

type HousekeepingRunner interface {
	RunAll(ctx context.Context) ([]jobqueue.HousekeepingReport, error)
}

// AdminQueueController exposes queue state and manual triggers to operators.
type AdminQueueController struct {
	queue       QueueAdmin
	sweeper     SweepRunner
	housekeeper HousekeepingRunner
}

func NewAdminQueueController(queue QueueAdmin, sweeper SweepRunner, housekeeper HousekeepingRunner) *AdminQueueController {
	return &AdminQueueController{queue: queue, sweeper: sweeper, housekeeper: housekeeper}
}

// HandleQueueOverview returns job counts per state and lifetime counters.
func (aqc *AdminQueueController) HandleQueueOverview(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, 5*time.Second)
	defer cancel()

	counts, err := aqc.queue.Counts(ctx)
	if err != nil {
		return aqc.handleError(c, "failed to read queue counts", err)
	}
	stats, err := aqc.queue.GetJobStats(ctx)
	if err != nil {
		return aqc.handleError(c, "failed to read queue stats", err)
	}
	return c.JSON(fiber.Map{"counts": counts, "stats": stats})
}

func (aqc *AdminQueueController) HandleListFailed(c *fiber.Ctx) error {
	offset := int64(c.QueryInt("offset", 0))
	limit := int64(c.QueryInt("limit", 50))
	if offset < 0 || limit <= 0 || limit > 500 {
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, "offset must be >= 0 and limit within 1..500")
	}

	ctx, cancel := requestContext(c, 5*time.Second)
	defer cancel()

	jobs, err := aqc.queue.ListFailed(ctx, offset, limit)
	if err != nil {
		return aqc.handleError(c, "failed to list failed jobs", err)
	}
	return c.JSON(fiber.Map{"jobs": jobs, "offset": offset, "limit": limit})
}

func (aqc *AdminQueueController) HandleRetryJob(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, 5*time.Second)
	defer cancel()

	jobID := c.Params("id")
	if err := aqc.queue.RetryFailed(ctx, jobID); err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFailed) {
			return respondError(c, fiber.StatusNotFound, ErrCodeNotFound, "job is not in the failed set")
		}
		return aqc.handleError(c, "failed to retry job", err)
	}
	log.Infof("[Admin] Job %s requeued", jobID)
	return c.JSON(fiber.Map{"id": jobID, "requeued": true})
}

func (aqc *AdminQueueController) HandleDeleteJob(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, 5*time.Second)
	defer cancel()

	jobID := c.Params("id")
	if err := aqc.queue.RemoveJob(ctx, jobID); err != nil {
		if errors.Is(err, redis.Nil) {
			return respondError(c, fiber.StatusNotFound, ErrCodeNotFound, "job not found")
		}
		return aqc.handleError(c, "failed to delete job", err)
	}
	log.Infof("[Admin] Job %s deleted", jobID)
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleRunSweep runs a reconciliation sweep now and returns its report.
func (aqc *AdminQueueController) HandleRunSweep(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, 5*time.Minute)
	defer cancel()

	report, err := aqc.sweeper.Run(ctx)
	if err != nil {
		return aqc.handleError(c, "sweep failed", err)
	}
	return c.JSON(report)
}

func (aqc *AdminQueueController) HandleRunHousekeeping(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, 5*time.Minute)
	defer cancel()

	reports, err := aqc.housekeeper.RunAll(ctx)
	if err != nil {
		return aqc.handleError(c, "housekeeping failed", err)
	}
	return c.JSON(fiber.Map{"reports": reports})
}

// handleError is a helper method for consistent error handling
func (aqc *AdminQueueController) handleError(c *fiber.Ctx, message string, err error) error {
	log.Errorf("[Admin] %s: %v", message, err)
	return respondError(c, fiber.StatusInternalServerError, ErrCodeInternal, message)
}
