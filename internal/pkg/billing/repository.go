package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/paysync/app/models"
)

// Repository provides DB operations used by the billing service. Find*
// methods return gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	// WithinTransaction runs fn against a repository bound to one
	// transaction. Nested calls become savepoints.
	WithinTransaction(ctx context.Context, fn func(Repository) error) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error)
	FindWebhookEvent(ctx context.Context, source, dedupKey string) (*models.BillingWebhookEvent, error)
	ListWebhookEventsBefore(ctx context.Context, before time.Time, limit int) ([]models.BillingWebhookEvent, error)
	DeleteWebhookEvents(ctx context.Context, ids []uint) (int64, error)

	FindPlan(ctx context.Context, id uint) (*models.BillingPlan, error)
	FindPlanByPriceRef(ctx context.Context, priceRef string) (*models.BillingPlan, error)

	CreateCheckoutSession(ctx context.Context, session *models.BillingCheckoutSession) error
	FindCheckoutSession(ctx context.Context, externalSessionID string, forUpdate bool) (*models.BillingCheckoutSession, error)
	UpdatePendingCheckoutSession(ctx context.Context, externalSessionID string, updates map[string]interface{}) (bool, error)
	ListPendingSessionsBefore(ctx context.Context, before time.Time, limit int) ([]models.BillingCheckoutSession, error)
	ExpirePendingSessionsBefore(ctx context.Context, before time.Time, ids []string, message string, at time.Time) (int64, error)
	DeleteTerminalSessionsBefore(ctx context.Context, before time.Time) (int64, error)

	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string, forUpdate bool) (*models.BillingSubscription, error)
	FindUnlinkedSubscription(ctx context.Context, userID uint, forUpdate bool) (*models.BillingSubscription, error)
	FindLatestEntitlingSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	FindLatestLiveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	FindSubscription(ctx context.Context, id uint, forUpdate bool) (*models.BillingSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error
	SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error
	CreateSubscriptionHistory(ctx context.Context, entry *models.BillingSubscriptionHistory) error
	ListSubscriptionHistory(ctx context.Context, subscriptionID uint) ([]models.BillingSubscriptionHistory, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) conn(ctx context.Context, forUpdate bool) *gorm.DB {
	db := r.db.WithContext(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (r *gormRepository) WithinTransaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error) {
	tx := r.conn(ctx, false).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"},
			{Name: "dedup_key"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FindWebhookEvent(ctx context.Context, source, dedupKey string) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	err := r.conn(ctx, false).Where("source = ? AND dedup_key = ?", source, dedupKey).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) ListWebhookEventsBefore(ctx context.Context, before time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.conn(ctx, false).
		Where("received_at < ?", before.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) DeleteWebhookEvents(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.conn(ctx, false).Where("id IN ?", ids).Delete(&models.BillingWebhookEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) FindPlan(ctx context.Context, id uint) (*models.BillingPlan, error) {
	var plan models.BillingPlan
	if err := r.conn(ctx, false).Where("id = ? AND is_active = ?", id, true).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) FindPlanByPriceRef(ctx context.Context, priceRef string) (*models.BillingPlan, error) {
	var plan models.BillingPlan
	err := r.conn(ctx, false).
		Where("monthly_price_ref = ? OR yearly_price_ref = ?", priceRef, priceRef).
		Order("is_active DESC, id ASC").
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) CreateCheckoutSession(ctx context.Context, session *models.BillingCheckoutSession) error {
	return r.conn(ctx, false).Create(session).Error
}

func (r *gormRepository) FindCheckoutSession(ctx context.Context, externalSessionID string, forUpdate bool) (*models.BillingCheckoutSession, error) {
	var session models.BillingCheckoutSession
	err := r.conn(ctx, forUpdate).Where("external_session_id = ?", externalSessionID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdatePendingCheckoutSession only touches rows that are still pending, so
// a terminal status can never be overwritten.
func (r *gormRepository) UpdatePendingCheckoutSession(ctx context.Context, externalSessionID string, updates map[string]interface{}) (bool, error) {
	tx := r.conn(ctx, false).
		Model(&models.BillingCheckoutSession{}).
		Where("external_session_id = ? AND status = ?", externalSessionID, models.CheckoutStatusPending).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListPendingSessionsBefore(ctx context.Context, before time.Time, limit int) ([]models.BillingCheckoutSession, error) {
	var sessions []models.BillingCheckoutSession
	err := r.conn(ctx, false).
		Where("status = ? AND created_at < ?", models.CheckoutStatusPending, before.UTC()).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *gormRepository) ExpirePendingSessionsBefore(ctx context.Context, before time.Time, ids []string, message string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.conn(ctx, false).
		Model(&models.BillingCheckoutSession{}).
		Where("status = ? AND created_at < ? AND external_session_id IN ?", models.CheckoutStatusPending, before.UTC(), ids).
		Updates(map[string]interface{}{
		"status":        models.CheckoutStatusExpired,
		"error_message": message,
		"processed_at":  at.UTC(),
	})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) DeleteTerminalSessionsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := r.conn(ctx, false).
		Where("status IN ? AND created_at < ?", []string{
			models.CheckoutStatusCompleted,
			models.CheckoutStatusExpired,
			models.CheckoutStatusFailed,
		}, before.UTC()).
		Delete(&models.BillingCheckoutSession{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string, forUpdate bool) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.conn(ctx, forUpdate).Where("external_subscription_id = ?", externalSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindUnlinkedSubscription returns the user's newest row that has not been
// tied to a processor subscription yet.
func (r *gormRepository) FindUnlinkedSubscription(ctx context.Context, userID uint, forUpdate bool) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.conn(ctx, forUpdate).
		Where("user_id = ? AND external_subscription_id IS NULL AND status <> ?", userID, models.BillingStatusCanceled).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindLatestEntitlingSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.conn(ctx, false).
		Where("user_id = ? AND status IN ?", userID, []string{models.BillingStatusActive, models.BillingStatusTrialing}).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindLatestLiveSubscription returns the newest row that is not canceled,
// past_due included.
func (r *gormRepository) FindLatestLiveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.conn(ctx, false).
		Where("user_id = ? AND status <> ?", userID, models.BillingStatusCanceled).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscription(ctx context.Context, id uint, forUpdate bool) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.conn(ctx, forUpdate).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.conn(ctx, false).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.conn(ctx, false).Save(sub).Error
}

func (r *gormRepository) CreateSubscriptionHistory(ctx context.Context, entry *models.BillingSubscriptionHistory) error {
	return r.conn(ctx, false).Create(entry).Error
}

func (r *gormRepository) ListSubscriptionHistory(ctx context.Context, subscriptionID uint) ([]models.BillingSubscriptionHistory, error) {
	var entries []models.BillingSubscriptionHistory
	err := r.conn(ctx, false).Where("subscription_id = ?", subscriptionID).Order("id ASC").Find(&entries).Error
	return entries, err
}
