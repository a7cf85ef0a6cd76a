package models

import "time"

// BillingWebhookEvent is the append-only log of accepted processor
// notifications. (Source, DedupKey) is unique so a redelivery of the same
// event cannot create a second row.
type BillingWebhookEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Source          string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_source_dedup,unique,priority:1" json:"source"`
	DedupKey        string    `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_source_dedup,unique,priority:2" json:"dedup_key"`
	ExternalEventID string    `gorm:"type:varchar(191);not null;default:''" json:"external_event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ReferenceID     string    `gorm:"type:varchar(191);not null;default:'';index" json:"reference_id"`
	PayloadJSON     string    `gorm:"type:longtext;not null" json:"payload_json"`
	ReceivedAt      time.Time `gorm:"autoCreateTime;index" json:"received_at"`
}
