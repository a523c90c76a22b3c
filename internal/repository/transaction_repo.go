package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rechargehub/internal/models"
)

// ErrTransactionNotFound indicates a missing transaction row.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrStaleStatus indicates a conditional update whose expected status no
// longer matches; the caller lost the race and must re-read.
var ErrStaleStatus = errors.New("transaction status changed concurrently")

const transactionColumns = `id, idempotency_key, user_id, phone_number, carrier_code,
	amount_minor, commission_minor, total_minor, currency, status,
	hold_ref, delivery_ref, confirmation_deadline, dispute_note, created_at, updated_at`

// TransactionRepository handles persistence of recharge transactions.
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository returns repository.
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create inserts a new transaction. A replayed idempotency key inserts
// nothing and returns the original row with created=false.
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	const query = `
		INSERT INTO recharge_transactions
			(id, idempotency_key, user_id, phone_number, carrier_code,
			 amount_minor, commission_minor, total_minor, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		tx.ID,
		tx.IdempotencyKey,
		tx.UserID,
		tx.PhoneNumber,
		tx.CarrierCode,
		tx.AmountMinor,
		tx.CommissionMinor,
		tx.TotalMinor,
		tx.Currency,
		tx.Status,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := r.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// GetByID returns one transaction.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM recharge_transactions WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByIdempotencyKey returns the transaction created under the given key.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM recharge_transactions WHERE idempotency_key = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, key))
}

// GetByDeliveryRef resolves the transaction a provider webhook refers to.
func (r *TransactionRepository) GetByDeliveryRef(ctx context.Context, deliveryRef string) (*models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM recharge_transactions WHERE delivery_ref = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, deliveryRef))
}

// ListByUser returns last N transactions for user, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT ` + transactionColumns + `
		FROM recharge_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// UpdateStatus performs the conditional transition "set status where status =
// expected". A zero row count means the guard failed.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, id string, expected, next models.Status) error {
	const query = `
		UPDATE recharge_transactions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.execGuarded(ctx, query, id, expected, next)
}

// SetAuthorized stores the payment hold reference alongside the transition.
func (r *TransactionRepository) SetAuthorized(ctx context.Context, id string, expected models.Status, holdRef string) error {
	const query = `
		UPDATE recharge_transactions
		SET status = $3, hold_ref = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.execGuarded(ctx, query, id, expected, models.StatusAuthorized, holdRef)
}

// SetDeliveryRequested stores the provider's delivery reference.
func (r *TransactionRepository) SetDeliveryRequested(ctx context.Context, id string, expected models.Status, deliveryRef string) error {
	const query = `
		UPDATE recharge_transactions
		SET status = $3, delivery_ref = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.execGuarded(ctx, query, id, expected, models.StatusDeliveryRequested, deliveryRef)
}

// SetPendingConfirmation persists the confirmation deadline so timers can be
// re-derived after a restart.
func (r *TransactionRepository) SetPendingConfirmation(ctx context.Context, id string, expected models.Status, deadline time.Time) error {
	const query = `
		UPDATE recharge_transactions
		SET status = $3, confirmation_deadline = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.execGuarded(ctx, query, id, expected, models.StatusPendingConfirmation, deadline.UTC())
}

// SetDisputed records the user's dispute note for manual review.
func (r *TransactionRepository) SetDisputed(ctx context.Context, id string, expected models.Status, note string) error {
	const query = `
		UPDATE recharge_transactions
		SET status = $3, dispute_note = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.execGuarded(ctx, query, id, expected, models.StatusDisputed, note)
}

// ListPendingConfirmation returns every transaction awaiting a user response,
// regardless of whether its deadline already passed. Used by the scheduler's
// recovery scan.
func (r *TransactionRepository) ListPendingConfirmation(ctx context.Context) ([]models.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM recharge_transactions
		WHERE status = $1 AND confirmation_deadline IS NOT NULL
		ORDER BY confirmation_deadline ASC
	`
	rows, err := r.db.QueryContext(ctx, query, models.StatusPendingConfirmation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// ListCapturePending returns transactions that won a confirmation transition
// but never reached completed, meaning their hold was not captured. Used by
// the startup capture recovery scan.
func (r *TransactionRepository) ListCapturePending(ctx context.Context) ([]models.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM recharge_transactions
		WHERE status IN ($1, $2)
		ORDER BY updated_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, models.StatusConfirmed, models.StatusAutoConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *TransactionRepository) execGuarded(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *TransactionRepository) scanOne(row *sql.Row) (*models.Transaction, error) {
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	if err := row.Scan(
		&tx.ID,
		&tx.IdempotencyKey,
		&tx.UserID,
		&tx.PhoneNumber,
		&tx.CarrierCode,
		&tx.AmountMinor,
		&tx.CommissionMinor,
		&tx.TotalMinor,
		&tx.Currency,
		&tx.Status,
		&tx.HoldRef,
		&tx.DeliveryRef,
		&tx.ConfirmationDeadline,
		&tx.DisputeNote,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &tx, nil
}
