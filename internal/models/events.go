package models

import "time"

// Push event types delivered over the live channel. Clients treat these as
// cache-invalidation hints and re-fetch the transaction for its value.
const (
	EventRechargeRequestCreated   = "recharge_request_created"
	EventRechargeRequestAccepted  = "recharge_request_accepted"
	EventRechargeRequestDeclined  = "recharge_request_declined"
	EventTransactionCreated       = "transaction_created"
	EventConfirmReceiptRequired   = "confirm_receipt_required"
	EventTransactionConfirmed     = "transaction_confirmed"
	EventTransactionDisputed      = "transaction_disputed"
	EventTransactionAutoConfirmed = "transaction_auto_confirmed"
)

// PushEvent is one message on a user's live connection. Data carries
// identifiers only, never full transaction content.
type PushEvent struct {
	Type          string            `json:"type"`
	TransactionID string            `json:"transaction_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Data          map[string]string `json:"data,omitempty"`
}
