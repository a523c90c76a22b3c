package repository

import (
	"context"
	"database/sql"
	"errors"

	"rechargehub/internal/models"
)

// WebhookEventRepository persists inbound provider callbacks for
// deduplication and audit.
type WebhookEventRepository struct {
	db *sql.DB
}

// NewWebhookEventRepository returns repository.
func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record inserts the event, keyed by provider event id. Returns false when
// the id was seen before; the provider retried and the caller must no-op.
func (r *WebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	const query = `
		INSERT INTO webhook_events (provider_event_id, delivery_ref, outcome, raw_payload, received_at, processed)
		VALUES ($1, $2, $3, $4, NOW(), FALSE)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING received_at
	`
	err := r.db.QueryRowContext(ctx, query,
		event.ProviderEventID,
		event.DeliveryRef,
		event.Outcome,
		event.RawPayload,
	).Scan(&event.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsProcessed reports whether the settlement transition for the event has
// already committed. A recorded-but-unprocessed event means an earlier
// attempt failed mid-flight and the retry must re-apply it.
func (r *WebhookEventRepository) IsProcessed(ctx context.Context, providerEventID string) (bool, error) {
	const query = `SELECT processed FROM webhook_events WHERE provider_event_id = $1`
	var processed bool
	if err := r.db.QueryRowContext(ctx, query, providerEventID).Scan(&processed); err != nil {
		return false, err
	}
	return processed, nil
}

// MarkProcessed flags the event once the settlement transition committed.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, providerEventID string) error {
	const query = `UPDATE webhook_events SET processed = TRUE WHERE provider_event_id = $1`
	_, err := r.db.ExecContext(ctx, query, providerEventID)
	return err
}
