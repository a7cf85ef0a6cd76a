package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// Config describes the Redis instance backing the job queue and the rate
// limiter.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ConfigFromEnv reads CACHE_* variables.
func ConfigFromEnv() Config {
	return Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     env.GetEnv("CACHE_PORT", "6379"),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	}
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// NewClient opens a client and pings it once. A failed ping is only logged;
// go-redis reconnects on its own and the queue workers retry.
func NewClient(ctx context.Context, cfg Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if pong, err := client.Ping(pingCtx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to Redis at %s: %s", cfg.Addr(), pong)
	}
	return client
}
