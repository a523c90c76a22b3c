package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rechargehub/internal/clients"
	"rechargehub/internal/models"
	"rechargehub/internal/repository"
)

// Confirmation actions a user may submit for a pending transaction.
const (
	ActionConfirm = "confirm"
	ActionDispute = "dispute"
)

// Sentinel errors surfaced to the HTTP layer. Raw provider detail never
// leaves the service.
var (
	ErrInvalidNumber    = errors.New("destination number is invalid")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrPaymentDeclined  = errors.New("payment failed")
	ErrDeliveryDeclined = errors.New("delivery failed")
	ErrAlreadySettled   = errors.New("transaction already settled")
	ErrNotConfirmable   = errors.New("transaction is not awaiting confirmation")
	ErrNotOwner         = errors.New("transaction belongs to another user")
	ErrUnknownAction    = errors.New("unknown confirmation action")
)

// TransactionStore is the durable record of every recharge transaction.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error)
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByDeliveryRef(ctx context.Context, deliveryRef string) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error)
	UpdateStatus(ctx context.Context, id string, expected, next models.Status) error
	SetAuthorized(ctx context.Context, id string, expected models.Status, holdRef string) error
	SetDeliveryRequested(ctx context.Context, id string, expected models.Status, deliveryRef string) error
	SetPendingConfirmation(ctx context.Context, id string, expected models.Status, deadline time.Time) error
	SetDisputed(ctx context.Context, id string, expected models.Status, note string) error
	ListCapturePending(ctx context.Context) ([]models.Transaction, error)
}

// WebhookEventStore deduplicates inbound provider callbacks.
type WebhookEventStore interface {
	Record(ctx context.Context, event *models.WebhookEvent) (bool, error)
	IsProcessed(ctx context.Context, providerEventID string) (bool, error)
	MarkProcessed(ctx context.Context, providerEventID string) error
}

// PaymentAuthority holds, captures and releases card funds (manual capture).
type PaymentAuthority interface {
	Authorize(ctx context.Context, amountMinor int64, currency, paymentMethod, reference string) (string, error)
	Capture(ctx context.Context, holdRef string) error
	Release(ctx context.Context, holdRef string) error
}

// DeliveryProvider accepts top-up requests; outcomes arrive on the webhook.
type DeliveryProvider interface {
	RequestTopUp(ctx context.Context, phoneNumber, carrierCode string, amountMinor int64, currency, reference string) (string, error)
}

// Normalizer validates destination numbers and converts amounts to USD.
type Normalizer interface {
	Normalize(ctx context.Context, rawNumber string) (clients.NormalizedNumber, bool, error)
	ToUSD(ctx context.Context, amountMinor int64, currency string) (int64, error)
}

// Publisher fans state changes out to the owning user's live connections.
type Publisher interface {
	Publish(ctx context.Context, tx *models.Transaction, eventType string, data map[string]string)
}

// TimerScheduler owns the confirmation timers.
type TimerScheduler interface {
	Schedule(txID string, fireAt time.Time)
	Cancel(txID string)
}

// ViewCache caches per-user transaction lists.
type ViewCache interface {
	Get(ctx context.Context, userID int64) ([]models.Transaction, error)
	Save(ctx context.Context, userID int64, txs []models.Transaction) error
}

// SettlementService is the single writer for every recharge transaction. All
// four event sources (payment result, delivery webhook, user action, timer
// fire) funnel through it, serialized per transaction id on top of
// conditional updates in the store.
type SettlementService struct {
	repo       TransactionStore
	events     WebhookEventStore
	payments   PaymentAuthority
	provider   DeliveryProvider
	normalizer Normalizer
	bus        Publisher
	scheduler  TimerScheduler
	cache      ViewCache
	locks      *keyedMutex

	confirmationWindow time.Duration
	commissionBPS      int64

	logger *zap.Logger
	now    func() time.Time
}

// NewSettlementService builds the settlement pipeline.
func NewSettlementService(
	repo TransactionStore,
	events WebhookEventStore,
	payments PaymentAuthority,
	provider DeliveryProvider,
	normalizer Normalizer,
	bus Publisher,
	scheduler TimerScheduler,
	cache ViewCache,
	confirmationWindow time.Duration,
	commissionBPS int64,
	logger *zap.Logger,
) *SettlementService {
	if confirmationWindow <= 0 {
		confirmationWindow = 24 * time.Hour
	}
	return &SettlementService{
		repo:               repo,
		events:             events,
		payments:           payments,
		provider:           provider,
		normalizer:         normalizer,
		bus:                bus,
		scheduler:          scheduler,
		cache:              cache,
		locks:              newKeyedMutex(),
		confirmationWindow: confirmationWindow,
		commissionBPS:      commissionBPS,
		logger:             logger,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// CreateRechargeInput is the user's recharge submission.
type CreateRechargeInput struct {
	UserID         *int64
	IdempotencyKey string
	RawNumber      string
	AmountMinor    int64
	Currency       string
	PaymentMethod  string
}

// CreateRecharge validates the request, creates the transaction, places the
// payment hold and submits the top-up to the provider. The returned
// transaction reflects how far the pipeline got; a declined hold or rejected
// top-up is terminal and reported via the error.
func (s *SettlementService) CreateRecharge(ctx context.Context, input CreateRechargeInput) (*models.Transaction, error) {
	if input.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	normalized, valid, err := s.normalizer.Normalize(ctx, input.RawNumber)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrInvalidNumber
	}

	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}
	amountUSD, err := s.normalizer.ToUSD(ctx, input.AmountMinor, currency)
	if err != nil {
		return nil, err
	}
	if amountUSD <= 0 {
		return nil, ErrInvalidAmount
	}

	commission := amountUSD * s.commissionBPS / 10000
	tx := &models.Transaction{
		ID:              uuid.NewString(),
		IdempotencyKey:  input.IdempotencyKey,
		PhoneNumber:     normalized.E164Number,
		CarrierCode:     normalized.CarrierCode,
		AmountMinor:     amountUSD,
		CommissionMinor: commission,
		TotalMinor:      amountUSD + commission,
		Currency:        "USD",
		Status:          models.StatusCreated,
	}
	if input.UserID != nil {
		tx.UserID.Int64 = *input.UserID
		tx.UserID.Valid = true
	}

	tx, created, err := s.repo.Create(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !created {
		// Retried submission: the original row is the answer, whatever its
		// current status.
		s.logger.Info("recharge creation replayed",
			zap.String("transaction_id", tx.ID),
			zap.String("idempotency_key", input.IdempotencyKey),
		)
		return tx, nil
	}

	s.bus.Publish(ctx, tx, models.EventRechargeRequestCreated, nil)
	s.bus.Publish(ctx, tx, models.EventTransactionCreated, nil)

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	if err := s.authorizePayment(ctx, tx, input.PaymentMethod); err != nil {
		return tx, err
	}
	if err := s.requestDelivery(ctx, tx); err != nil {
		return tx, err
	}

	s.bus.Publish(ctx, tx, models.EventRechargeRequestAccepted, nil)
	return tx, nil
}

func (s *SettlementService) authorizePayment(ctx context.Context, tx *models.Transaction, paymentMethod string) error {
	holdRef, err := s.payments.Authorize(ctx, tx.TotalMinor, tx.Currency, paymentMethod, tx.ID)
	if err != nil {
		s.logger.Warn("payment hold declined",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		if storeErr := s.repo.UpdateStatus(ctx, tx.ID, models.StatusCreated, models.StatusPaymentFailed); storeErr != nil {
			return storeErr
		}
		tx.Status = models.StatusPaymentFailed
		s.bus.Publish(ctx, tx, models.EventRechargeRequestDeclined, map[string]string{"reason": "payment_failed"})
		return ErrPaymentDeclined
	}

	if err := s.repo.SetAuthorized(ctx, tx.ID, models.StatusCreated, holdRef); err != nil {
		return err
	}
	tx.Status = models.StatusAuthorized
	tx.HoldRef.String = holdRef
	tx.HoldRef.Valid = true
	return nil
}

func (s *SettlementService) requestDelivery(ctx context.Context, tx *models.Transaction) error {
	deliveryRef, err := s.provider.RequestTopUp(ctx, tx.PhoneNumber, tx.CarrierCode, tx.AmountMinor, tx.Currency, tx.ID)
	if err != nil {
		s.logger.Warn("top-up request rejected",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		s.releaseHold(ctx, tx)
		if storeErr := s.repo.UpdateStatus(ctx, tx.ID, models.StatusAuthorized, models.StatusDeliveryFailed); storeErr != nil {
			return storeErr
		}
		tx.Status = models.StatusDeliveryFailed
		s.bus.Publish(ctx, tx, models.EventRechargeRequestDeclined, map[string]string{"reason": "delivery_failed"})
		return ErrDeliveryDeclined
	}

	if err := s.repo.SetDeliveryRequested(ctx, tx.ID, models.StatusAuthorized, deliveryRef); err != nil {
		return err
	}
	tx.Status = models.StatusDeliveryRequested
	tx.DeliveryRef.String = deliveryRef
	tx.DeliveryRef.Valid = true
	return nil
}

// WebhookInput is a decoded, authenticated provider callback.
type WebhookInput struct {
	ProviderEventID string
	DeliveryRef     string
	Outcome         string
	RawPayload      []byte
}

// ApplyDeliveryWebhook ingests one provider callback. A previously processed
// event id is accepted and discarded; the provider's at-least-once retries
// must never cause a second transition. A recorded event whose transition
// never committed is re-applied, the status guard keeps that safe.
func (s *SettlementService) ApplyDeliveryWebhook(ctx context.Context, input WebhookInput) error {
	event := &models.WebhookEvent{
		ProviderEventID: input.ProviderEventID,
		DeliveryRef:     input.DeliveryRef,
		Outcome:         input.Outcome,
		RawPayload:      input.RawPayload,
	}
	fresh, err := s.events.Record(ctx, event)
	if err != nil {
		return err
	}
	if !fresh {
		processed, err := s.events.IsProcessed(ctx, input.ProviderEventID)
		if err != nil {
			return err
		}
		if processed {
			s.logger.Info("duplicate webhook event discarded",
				zap.String("provider_event_id", input.ProviderEventID),
			)
			return nil
		}
		s.logger.Info("retrying webhook event that never finished applying",
			zap.String("provider_event_id", input.ProviderEventID),
		)
	}

	tx, err := s.repo.GetByDeliveryRef(ctx, input.DeliveryRef)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	switch input.Outcome {
	case models.OutcomeDelivered:
		err = s.applyDelivered(ctx, tx)
	case models.OutcomeFailed:
		err = s.applyDeliveryFailed(ctx, tx)
	default:
		return errors.New("unknown delivery outcome")
	}
	if err != nil {
		return err
	}

	if err := s.events.MarkProcessed(ctx, input.ProviderEventID); err != nil {
		s.logger.Warn("failed to mark webhook event processed",
			zap.String("provider_event_id", input.ProviderEventID),
			zap.Error(err),
		)
	}
	return nil
}

func (s *SettlementService) applyDelivered(ctx context.Context, tx *models.Transaction) error {
	if tx.Status != models.StatusDeliveryRequested {
		// A replay under a fresh event id, or delivery reported after the
		// transaction already settled. Nothing to do.
		s.logger.Info("delivered webhook ignored for settled transaction",
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(tx.Status)),
		)
		return nil
	}

	deadline := s.now().Add(s.confirmationWindow)
	if err := s.repo.SetPendingConfirmation(ctx, tx.ID, models.StatusDeliveryRequested, deadline); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil
		}
		return err
	}
	tx.Status = models.StatusPendingConfirmation
	tx.ConfirmationDeadline.Time = deadline
	tx.ConfirmationDeadline.Valid = true

	s.scheduler.Schedule(tx.ID, deadline)
	s.bus.Publish(ctx, tx, models.EventConfirmReceiptRequired, map[string]string{
		"deadline": deadline.Format(time.RFC3339),
	})

	s.logger.Info("delivery reported, awaiting user confirmation",
		zap.String("transaction_id", tx.ID),
		zap.Time("deadline", deadline),
	)
	return nil
}

func (s *SettlementService) applyDeliveryFailed(ctx context.Context, tx *models.Transaction) error {
	if tx.Status != models.StatusDeliveryRequested {
		s.logger.Info("failed webhook ignored for settled transaction",
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(tx.Status)),
		)
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, tx.ID, models.StatusDeliveryRequested, models.StatusDeliveryFailed); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil
		}
		return err
	}
	tx.Status = models.StatusDeliveryFailed
	s.releaseHold(ctx, tx)
	s.bus.Publish(ctx, tx, models.EventRechargeRequestDeclined, map[string]string{"reason": "delivery_failed"})

	s.logger.Info("delivery failed, hold released", zap.String("transaction_id", tx.ID))
	return nil
}

// Caller identifies who is acting on a transaction: an authenticated user,
// or a guest presenting the idempotency key from creation as a claim token.
type Caller struct {
	UserID   int64
	Authed   bool
	ClaimKey string
}

func (c Caller) owns(tx *models.Transaction) bool {
	if owner, ok := tx.Owner(); ok {
		return c.Authed && c.UserID == owner
	}
	if c.ClaimKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.ClaimKey), []byte(tx.IdempotencyKey)) == 1
}

// SubmitConfirmation applies the caller's confirm or dispute. The winner of
// the conditional update out of pending_confirmation is the only path that
// ever captures, so no retry or race can double-charge.
func (s *SettlementService) SubmitConfirmation(ctx context.Context, txID string, caller Caller, action, note string) (*models.Transaction, error) {
	if action != ActionConfirm && action != ActionDispute {
		return nil, ErrUnknownAction
	}

	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !caller.owns(tx) {
		return nil, ErrNotOwner
	}

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	switch action {
	case ActionConfirm:
		err = s.applyConfirm(ctx, tx)
	case ActionDispute:
		err = s.applyDispute(ctx, tx, note)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *SettlementService) applyConfirm(ctx context.Context, tx *models.Transaction) error {
	if err := s.repo.UpdateStatus(ctx, tx.ID, models.StatusPendingConfirmation, models.StatusConfirmed); err != nil {
		return s.confirmGuardError(ctx, tx, err)
	}
	tx.Status = models.StatusConfirmed
	s.scheduler.Cancel(tx.ID)

	if err := s.completeCapture(ctx, tx); err != nil {
		return err
	}

	s.logger.Info("transaction confirmed by user", zap.String("transaction_id", tx.ID))
	return nil
}

func (s *SettlementService) applyDispute(ctx context.Context, tx *models.Transaction, note string) error {
	if err := s.repo.SetDisputed(ctx, tx.ID, models.StatusPendingConfirmation, note); err != nil {
		return s.confirmGuardError(ctx, tx, err)
	}
	tx.Status = models.StatusDisputed
	tx.DisputeNote.String = note
	tx.DisputeNote.Valid = true
	s.scheduler.Cancel(tx.ID)

	// The provider reported the credit delivered, so the charge stands while
	// the dispute goes to manual review.
	if err := s.capture(ctx, tx); err != nil {
		return err
	}

	s.bus.Publish(ctx, tx, models.EventTransactionDisputed, nil)
	s.logger.Warn("transaction disputed, flagged for manual review",
		zap.String("transaction_id", tx.ID),
		zap.String("note", note),
	)
	return nil
}

// confirmGuardError maps a failed pending_confirmation guard onto the
// user-facing sentinel for the transaction's actual state.
func (s *SettlementService) confirmGuardError(ctx context.Context, tx *models.Transaction, err error) error {
	if !errors.Is(err, repository.ErrStaleStatus) {
		return err
	}
	current, readErr := s.repo.GetByID(ctx, tx.ID)
	if readErr != nil {
		return readErr
	}
	if current.Status.After(models.StatusPendingConfirmation) {
		return ErrAlreadySettled
	}
	return ErrNotConfirmable
}

// AutoConfirm is the confirmation timer's entry point. Fires at most once
// per transaction; a fire that lost the race to a user action is a no-op.
func (s *SettlementService) AutoConfirm(ctx context.Context, txID string) error {
	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	if err := s.repo.UpdateStatus(ctx, tx.ID, models.StatusPendingConfirmation, models.StatusAutoConfirmed); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			s.logger.Info("timer fired for settled transaction, ignoring",
				zap.String("transaction_id", tx.ID),
			)
			return nil
		}
		return err
	}
	tx.Status = models.StatusAutoConfirmed

	if err := s.completeCapture(ctx, tx); err != nil {
		return err
	}

	s.logger.Info("transaction auto-confirmed after window expiry",
		zap.String("transaction_id", tx.ID),
	)
	return nil
}

// completeCapture captures the hold for a transaction that already won its
// transition out of pending_confirmation, then marks it completed. The
// transaction stays in confirmed/auto_confirmed when capture fails, which is
// what RecoverInterruptedCaptures rescans for.
func (s *SettlementService) completeCapture(ctx context.Context, tx *models.Transaction) error {
	event := models.EventTransactionConfirmed
	if tx.Status == models.StatusAutoConfirmed {
		event = models.EventTransactionAutoConfirmed
	}

	if err := s.capture(ctx, tx); err != nil {
		return err
	}

	if err := s.repo.UpdateStatus(ctx, tx.ID, tx.Status, models.StatusCompleted); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil
		}
		return err
	}
	tx.Status = models.StatusCompleted
	s.bus.Publish(ctx, tx, event, nil)
	return nil
}

// RecoverInterruptedCaptures re-drives transactions that won a confirmation
// transition but crashed or errored before the capture and completion
// committed. Run at startup, before traffic. Only confirmed/auto_confirmed
// rows ever hold an uncaptured settled balance, so the rescan is exact.
func (s *SettlementService) RecoverInterruptedCaptures(ctx context.Context) error {
	pending, err := s.repo.ListCapturePending(ctx)
	if err != nil {
		return err
	}

	for i := range pending {
		tx := &pending[i]
		unlock := s.locks.lock(tx.ID)
		err := s.completeCapture(ctx, tx)
		unlock()
		if err != nil {
			s.logger.Error("capture recovery failed, will retry on next start",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("recovered interrupted capture", zap.String("transaction_id", tx.ID))
	}
	return nil
}

func (s *SettlementService) capture(ctx context.Context, tx *models.Transaction) error {
	if !tx.HoldRef.Valid {
		return errors.New("transaction has no payment hold to capture")
	}
	if err := s.payments.Capture(ctx, tx.HoldRef.String); err != nil {
		s.logger.Error("payment capture failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *SettlementService) releaseHold(ctx context.Context, tx *models.Transaction) {
	if !tx.HoldRef.Valid {
		return
	}
	if err := s.payments.Release(ctx, tx.HoldRef.String); err != nil {
		// Funds stay held until the gateway's own expiry; log for ops.
		s.logger.Error("payment release failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

// GetTransaction returns one transaction, visible only to its owner or to a
// guest creator presenting the claim token.
func (s *SettlementService) GetTransaction(ctx context.Context, txID string, caller Caller) (*models.Transaction, error) {
	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !caller.owns(tx) {
		return nil, ErrNotOwner
	}
	return tx, nil
}

// ListUserTransactions returns the user's history through the view cache.
func (s *SettlementService) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID)
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			s.logger.Warn("transaction view cache read failed",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}

	txs, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Save(ctx, userID, txs); err != nil {
			s.logger.Warn("transaction view cache write failed",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return txs, nil
}
