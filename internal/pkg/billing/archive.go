package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// ArchiveSink stores archived rows outside the database.
type ArchiveSink interface {
	Put(ctx context.Context, key string, body []byte) error
}

// RetentionConfig controls how long rows stay in the database.
type RetentionConfig struct {
	WebhookRetention time.Duration
	SessionRetention time.Duration
	BatchSize        int
}

// RetentionConfigFromEnv reads WEBHOOK_RETENTION_DAYS and
// CHECKOUT_RETENTION_DAYS.
func RetentionConfigFromEnv() RetentionConfig {
	return RetentionConfig{
		WebhookRetention: time.Duration(env.GetEnvInt("WEBHOOK_RETENTION_DAYS", 90)) * 24 * time.Hour,
		SessionRetention: time.Duration(env.GetEnvInt("CHECKOUT_RETENTION_DAYS", 30)) * 24 * time.Hour,
		BatchSize:        env.GetEnvInt("ARCHIVE_BATCH_SIZE", 1000),
	}
}

// ArchiveWebhookEvents writes events received before olderThan to sink as
// JSON Lines, one object per batch, and deletes each batch once it is
// stored. A failed upload leaves the batch in place for the next run.
func (s *Service) ArchiveWebhookEvents(ctx context.Context, sink ArchiveSink, olderThan time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var archived int64
	for {
		events, err := s.repo.ListWebhookEventsBefore(ctx, olderThan, batchSize)
		if err != nil {
			return archived, fmt.Errorf("list webhook events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		ids := make([]uint, 0, len(events))
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return archived, fmt.Errorf("encode webhook event %d: %w", events[i].ID, err)
			}
			ids = append(ids, events[i].ID)
		}

		key := fmt.Sprintf("webhook-events/%s/%d-%d.jsonl", olderThan.UTC().Format("2006/01/02"), ids[0], ids[len(ids)-1])
		if err := sink.Put(ctx, key, buf.Bytes()); err != nil {
			return archived, fmt.Errorf("store archive %s: %w", key, err)
		}

		deleted, err := s.repo.DeleteWebhookEvents(ctx, ids)
		if err != nil {
			return archived, fmt.Errorf("delete archived webhook events: %w", err)
		}
		archived += deleted

		if len(events) < batchSize {
			break
		}
	}

	if archived > 0 {
		log.Infof("[Billing] Archived %d webhook events received before %s", archived, olderThan.Format(time.RFC3339))
	}
	return archived, nil
}

// Retention is the daily retention run: archive old webhook events (only
// when a sink is configured) and purge old terminal checkout sessions.
type Retention struct {
	svc  *Service
	sink ArchiveSink
	cfg  RetentionConfig
}

func NewRetention(svc *Service, sink ArchiveSink, cfg RetentionConfig) *Retention {
	return &Retention{svc: svc, sink: sink, cfg: cfg}
}

func (r *Retention) Run(ctx context.Context) error {
	now := r.svc.now()

	if r.sink != nil && r.cfg.WebhookRetention > 0 {
		if _, err := r.svc.ArchiveWebhookEvents(ctx, r.sink, now.Add(-r.cfg.WebhookRetention), r.cfg.BatchSize); err != nil {
			return err
		}
	}
	if r.cfg.SessionRetention > 0 {
		if _, err := r.svc.PurgeTerminalSessions(ctx, now.Add(-r.cfg.SessionRetention)); err != nil {
			return err
		}
	}
	return nil
}
