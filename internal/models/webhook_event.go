package models

import "time"

// Delivery outcomes reported by the provider webhook.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// WebhookEvent records one inbound provider callback. The provider event id
// is unique, so replays of the same callback insert nothing.
type WebhookEvent struct {
	ProviderEventID string    `db:"provider_event_id" json:"provider_event_id"`
	DeliveryRef     string    `db:"delivery_ref" json:"delivery_ref"`
	Outcome         string    `db:"outcome" json:"outcome"`
	RawPayload      []byte    `db:"raw_payload" json:"-"`
	ReceivedAt      time.Time `db:"received_at" json:"received_at"`
	Processed       bool      `db:"processed" json:"processed"`
}
