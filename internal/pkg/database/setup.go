package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// DSN builds the MySQL data source name from the DB_* variables.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// SetupDatabase connects with a bounded number of retries, since the
// database container usually starts after us.
func SetupDatabase() (*gorm.DB, error) {
	cfg := &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }}
	if !env.IsDev() {
		cfg.Logger = logger.Default.LogMode(logger.Warn)
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), cfg)
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", false) {
				if merr := AutoMigrate(DB); merr != nil {
					return nil, fmt.Errorf("auto migrate: %w", merr)
				}
			}
			return DB, nil
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("connect to database: %w", err)
}

// AutoMigrate creates the billing tables. Production schemas come from
// ./migrations; this is used by tests and local development.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.BillingPlan{},
		&models.BillingCheckoutSession{},
		&models.BillingSubscription{},
		&models.BillingSubscriptionHistory{},
		&models.BillingWebhookEvent{},
	)
}

// GetDB returns the handle opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}
