package models

import (
	"database/sql"
	"time"
)

// Status of a recharge transaction. Transitions only move forward along the
// settlement graph; terminal statuses are immutable.
type Status string

const (
	StatusCreated             Status = "created"
	StatusAuthorized          Status = "authorized"
	StatusDeliveryRequested   Status = "delivery_requested"
	StatusAwaitingDelivery    Status = "awaiting_delivery"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusAutoConfirmed       Status = "auto_confirmed"
	StatusDisputed            Status = "disputed"
	StatusCompleted           Status = "completed"
	StatusPaymentFailed       Status = "payment_failed"
	StatusDeliveryFailed      Status = "delivery_failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further transition may be applied.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPaymentFailed, StatusDeliveryFailed, StatusCancelled:
		return true
	}
	return false
}

// statusRank orders statuses along the settlement graph so that regressions
// can be rejected without enumerating every illegal pair.
var statusRank = map[Status]int{
	StatusCreated:             0,
	StatusAuthorized:          1,
	StatusDeliveryRequested:   2,
	StatusAwaitingDelivery:    3,
	StatusPendingConfirmation: 4,
	StatusConfirmed:           5,
	StatusAutoConfirmed:       5,
	StatusDisputed:            5,
	StatusCompleted:           6,
	StatusPaymentFailed:       6,
	StatusDeliveryFailed:      6,
	StatusCancelled:           6,
}

// After reports whether s is strictly later than other on the graph.
func (s Status) After(other Status) bool {
	return statusRank[s] > statusRank[other]
}

// Transaction is the durable record of one recharge. Mutated only by the
// settlement service; terminal rows are retained for audit and receipts.
type Transaction struct {
	ID                   string         `db:"id" json:"id"`
	IdempotencyKey       string         `db:"idempotency_key" json:"-"`
	UserID               sql.NullInt64  `db:"user_id" json:"user_id,omitempty"`
	PhoneNumber          string         `db:"phone_number" json:"phone_number"`
	CarrierCode          string         `db:"carrier_code" json:"carrier_code"`
	AmountMinor          int64          `db:"amount_minor" json:"amount_minor"`
	CommissionMinor      int64          `db:"commission_minor" json:"commission_minor"`
	TotalMinor           int64          `db:"total_minor" json:"total_minor"`
	Currency             string         `db:"currency" json:"currency"`
	Status               Status         `db:"status" json:"status"`
	HoldRef              sql.NullString `db:"hold_ref" json:"-"`
	DeliveryRef          sql.NullString `db:"delivery_ref" json:"-"`
	ConfirmationDeadline sql.NullTime   `db:"confirmation_deadline" json:"confirmation_deadline,omitempty"`
	DisputeNote          sql.NullString `db:"dispute_note" json:"dispute_note,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Owner returns the owning user id, or false for guest transactions.
func (t *Transaction) Owner() (int64, bool) {
	if !t.UserID.Valid {
		return 0, false
	}
	return t.UserID.Int64, true
}
