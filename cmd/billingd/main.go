package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/paysync/app/controllers"
	"github.com/ManuelReschke/paysync/internal/pkg/archive"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
	"github.com/ManuelReschke/paysync/internal/pkg/cache"
	"github.com/ManuelReschke/paysync/internal/pkg/database"
	"github.com/ManuelReschke/paysync/internal/pkg/env"
	"github.com/ManuelReschke/paysync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/paysync/internal/pkg/middleware"
	"github.com/ManuelReschke/paysync/internal/pkg/router"
)

func main() {
	app, manager, err := NewApplication(context.Background())
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Main] Listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Main] HTTP shutdown: %v", err)
	}
	manager.Stop()
}

// NewApplication wires storage, the queue and the HTTP surface. Background
// work starts only when the returned manager is started.
func NewApplication(ctx context.Context) (*fiber.App, *jobqueue.Manager, error) {
	env.SetupEnvFile()

	db, err := database.SetupDatabase()
	if err != nil {
		return nil, nil, err
	}

	cacheCfg := cache.ConfigFromEnv()
	redisClient := cache.NewClient(ctx, cacheCfg)

	processor, err := billing.NewStripeProcessorFromEnv()
	if err != nil {
		return nil, nil, err
	}

	queue := jobqueue.NewQueue(redisClient, jobqueue.ConfigFromEnv())
	svc := billing.NewServiceFromDB(db, processor, queue, billing.NewStripeVerifierFromEnv(), billing.ConfigFromEnv())
	jobqueue.RegisterBillingHandlers(queue, svc)

	sweeper := jobqueue.NewSweeper(svc, processor, queue, jobqueue.SweeperConfigFromEnv())
	housekeeper := jobqueue.NewHousekeeper(queue, jobqueue.RedisMemoryProbe(redisClient), jobqueue.HousekeepingConfigFromEnv())

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	var sink billing.ArchiveSink
	if archiveCfg.IsEnabled() {
		s3Sink, err := archive.NewS3Sink(ctx, archiveCfg)
		if err != nil {
			return nil, nil, err
		}
		sink = s3Sink
	} else {
		log.Info("[Archive] S3 archive disabled, expired webhook events are kept")
	}
	retention := billing.NewRetention(svc, sink, billing.RetentionConfigFromEnv())

	manager := jobqueue.NewManager(queue, sweeper, housekeeper, retention)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Dependencies{
		Billing:       controllers.NewBillingController(svc),
		AdminQueue:    controllers.NewAdminQueueController(queue, sweeper, housekeeper),
		InternalToken: env.GetEnv("INTERNAL_API_TOKEN", ""),
		APILimiter: middleware.RateLimiter(middleware.RateLimitConfig{
			Max:        env.GetEnvInt("API_RATE_LIMIT", 60),
			Expiration: time.Minute,
			Storage:    middleware.NewRedisLimiterStorage(cacheCfg, env.GetEnvInt("RATE_LIMIT_REDIS_DB", 1)),
		}),
	})

	return app, manager, nil
}
