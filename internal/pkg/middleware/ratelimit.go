package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/paysync/internal/pkg/cache"
)

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
	// Storage shares counters between instances. Nil keeps them in memory.
	Storage fiber.Storage
}

// NewRedisLimiterStorage stores limiter counters in their own Redis
// database so they never mix with queue keys.
func NewRedisLimiterStorage(cfg cache.Config, database int) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: database,
		Reset:    false,
	})
}

// RateLimiter returns a fixed-window limiter keyed by client IP that answers
// with the standard error body.
func RateLimiter(cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"message":   "too many requests",
				"errorCode": "rate_limited",
			})
		},
	})
}
