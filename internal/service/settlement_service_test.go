package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rechargehub/internal/clients"
	"rechargehub/internal/models"
	"rechargehub/internal/repository"
)

type fakeTransactionStore struct {
	mu              sync.Mutex
	txs             map[string]*models.Transaction
	failPendingOnce bool
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{txs: make(map[string]*models.Transaction)}
}

func (f *fakeTransactionStore) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.txs {
		if existing.IdempotencyKey == tx.IdempotencyKey {
			clone := *existing
			return &clone, false, nil
		}
	}
	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt
	clone := *tx
	f.txs[tx.ID] = &clone
	return tx, true, nil
}

func (f *fakeTransactionStore) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

func (f *fakeTransactionStore) GetByDeliveryRef(ctx context.Context, ref string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.DeliveryRef.Valid && tx.DeliveryRef.String == ref {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (f *fakeTransactionStore) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.UserID.Valid && tx.UserID.Int64 == userID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) guarded(id string, expected models.Status, mutate func(*models.Transaction)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if tx.Status != expected {
		return repository.ErrStaleStatus
	}
	mutate(tx)
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeTransactionStore) UpdateStatus(ctx context.Context, id string, expected, next models.Status) error {
	return f.guarded(id, expected, func(tx *models.Transaction) {
		tx.Status = next
	})
}

func (f *fakeTransactionStore) SetAuthorized(ctx context.Context, id string, expected models.Status, holdRef string) error {
	return f.guarded(id, expected, func(tx *models.Transaction) {
		tx.Status = models.StatusAuthorized
		tx.HoldRef.String = holdRef
		tx.HoldRef.Valid = true
	})
}

func (f *fakeTransactionStore) SetDeliveryRequested(ctx context.Context, id string, expected models.Status, deliveryRef string) error {
	return f.guarded(id, expected, func(tx *models.Transaction) {
		tx.Status = models.StatusDeliveryRequested
		tx.DeliveryRef.String = deliveryRef
		tx.DeliveryRef.Valid = true
	})
}

func (f *fakeTransactionStore) SetPendingConfirmation(ctx context.Context, id string, expected models.Status, deadline time.Time) error {
	f.mu.Lock()
	if f.failPendingOnce {
		f.failPendingOnce = false
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.guarded(id, expected, func(tx *models.Transaction) {
		tx.Status = models.StatusPendingConfirmation
		tx.ConfirmationDeadline.Time = deadline
		tx.ConfirmationDeadline.Valid = true
	})
}

func (f *fakeTransactionStore) SetDisputed(ctx context.Context, id string, expected models.Status, note string) error {
	return f.guarded(id, expected, func(tx *models.Transaction) {
		tx.Status = models.StatusDisputed
		tx.DisputeNote.String = note
		tx.DisputeNote.Valid = true
	})
}

func (f *fakeTransactionStore) ListPendingConfirmation(ctx context.Context) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.Status == models.StatusPendingConfirmation && tx.ConfirmationDeadline.Valid {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) ListCapturePending(ctx context.Context) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.Status == models.StatusConfirmed || tx.Status == models.StatusAutoConfirmed {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) status(t *testing.T, id string) models.Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		t.Fatalf("transaction %s not found", id)
	}
	return tx.Status
}

type fakeEventStore struct {
	mu        sync.Mutex
	seen      map[string]bool
	processed map[string]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{seen: make(map[string]bool), processed: make(map[string]bool)}
}

func (f *fakeEventStore) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[event.ProviderEventID] {
		return false, nil
	}
	f.seen[event.ProviderEventID] = true
	return true, nil
}

func (f *fakeEventStore) IsProcessed(ctx context.Context, providerEventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[providerEventID], nil
}

func (f *fakeEventStore) MarkProcessed(ctx context.Context, providerEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[providerEventID] = true
	return nil
}

type fakePayments struct {
	mu             sync.Mutex
	declineHold    bool
	failCaptures   int
	authorizeCalls int
	captureCalls   int
	releaseCalls   int
	capturedRefs   []string
}

func (f *fakePayments) Authorize(ctx context.Context, amountMinor int64, currency, paymentMethod, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	if f.declineHold {
		return "", fmt.Errorf("%w: card declined", clients.ErrRejected)
	}
	return "hold-" + reference, nil
}

func (f *fakePayments) Capture(ctx context.Context, holdRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	if f.failCaptures > 0 {
		f.failCaptures--
		return errors.New("gateway timeout")
	}
	f.capturedRefs = append(f.capturedRefs, holdRef)
	return nil
}

func (f *fakePayments) Release(ctx context.Context, holdRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakePayments) captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureCalls
}

func (f *fakePayments) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCalls
}

type fakeProvider struct {
	mu           sync.Mutex
	reject       bool
	requestCalls int
}

func (f *fakeProvider) RequestTopUp(ctx context.Context, phoneNumber, carrierCode string, amountMinor int64, currency, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	if f.reject {
		return "", fmt.Errorf("%w: destination unsupported", clients.ErrRejected)
	}
	return "dlv-" + reference, nil
}

type fakeNormalizer struct {
	invalid bool
}

func (f *fakeNormalizer) Normalize(ctx context.Context, rawNumber string) (clients.NormalizedNumber, bool, error) {
	if f.invalid {
		return clients.NormalizedNumber{}, false, nil
	}
	return clients.NormalizedNumber{E164Number: rawNumber, CarrierCode: "DIGICEL_HT"}, true, nil
}

func (f *fakeNormalizer) ToUSD(ctx context.Context, amountMinor int64, currency string) (int64, error) {
	return amountMinor, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Publish(ctx context.Context, tx *models.Transaction, eventType string, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeBus) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeBus) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Time), cancelled: make(map[string]bool)}
}

func (f *fakeScheduler) Schedule(txID string, fireAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.scheduled[txID]; exists {
		return
	}
	f.scheduled[txID] = fireAt
}

func (f *fakeScheduler) Cancel(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[txID] = true
}

func (f *fakeScheduler) scheduleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type fixture struct {
	svc       *SettlementService
	repo      *fakeTransactionStore
	events    *fakeEventStore
	payments  *fakePayments
	provider  *fakeProvider
	bus       *fakeBus
	scheduler *fakeScheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newFakeTransactionStore(),
		events:    newFakeEventStore(),
		payments:  &fakePayments{},
		provider:  &fakeProvider{},
		bus:       &fakeBus{},
		scheduler: newFakeScheduler(),
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewSettlementService(
		f.repo,
		f.events,
		f.payments,
		f.provider,
		&fakeNormalizer{},
		f.bus,
		f.scheduler,
		nil,
		24*time.Hour,
		250,
		zap.NewNop(),
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) createRecharge(t *testing.T) *models.Transaction {
	t.Helper()
	userID := int64(42)
	tx, err := f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		UserID:         &userID,
		IdempotencyKey: "key-1",
		RawNumber:      "+50937001234",
		AmountMinor:    1000,
		Currency:       "USD",
		PaymentMethod:  "card-123",
	})
	require.NoError(t, err)
	return tx
}

func asUser(id int64) Caller {
	return Caller{UserID: id, Authed: true}
}

func (f *fixture) deliverWebhook(t *testing.T, tx *models.Transaction, eventID, outcome string) error {
	t.Helper()
	return f.svc.ApplyDeliveryWebhook(context.Background(), WebhookInput{
		ProviderEventID: eventID,
		DeliveryRef:     tx.DeliveryRef.String,
		Outcome:         outcome,
	})
}

func TestCreateRechargeHappyPath(t *testing.T) {
	f := newFixture(t)

	tx := f.createRecharge(t)

	require.Equal(t, models.StatusDeliveryRequested, tx.Status)
	require.Equal(t, "+50937001234", tx.PhoneNumber)
	require.Equal(t, int64(1000), tx.AmountMinor)
	require.Equal(t, int64(25), tx.CommissionMinor)
	require.Equal(t, int64(1025), tx.TotalMinor)
	require.True(t, tx.HoldRef.Valid)
	require.True(t, tx.DeliveryRef.Valid)
	require.Equal(t, 1, f.payments.authorizeCalls)
	require.Equal(t, 0, f.payments.captures())
	require.Equal(t, []string{
		models.EventRechargeRequestCreated,
		models.EventTransactionCreated,
		models.EventRechargeRequestAccepted,
	}, f.bus.published())
}

func TestCreateRechargeIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	first := f.createRecharge(t)
	second := f.createRecharge(t)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.payments.authorizeCalls)
	require.Equal(t, 1, f.provider.requestCalls)
}

func TestCreateRechargePaymentDeclined(t *testing.T) {
	f := newFixture(t)
	f.payments.declineHold = true

	userID := int64(42)
	tx, err := f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		UserID:         &userID,
		IdempotencyKey: "key-1",
		RawNumber:      "+50937001234",
		AmountMinor:    1000,
		PaymentMethod:  "card-123",
	})

	require.ErrorIs(t, err, ErrPaymentDeclined)
	require.Equal(t, models.StatusPaymentFailed, tx.Status)
	require.Equal(t, models.StatusPaymentFailed, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.bus.count(models.EventRechargeRequestDeclined))
	require.Equal(t, 0, f.payments.captures())
}

func TestCreateRechargeProviderRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.reject = true

	userID := int64(42)
	tx, err := f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		UserID:         &userID,
		IdempotencyKey: "key-1",
		RawNumber:      "+50937001234",
		AmountMinor:    1000,
		PaymentMethod:  "card-123",
	})

	require.ErrorIs(t, err, ErrDeliveryDeclined)
	require.Equal(t, models.StatusDeliveryFailed, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.releases())
	require.Equal(t, 0, f.payments.captures())
}

func TestCreateRechargeValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		IdempotencyKey: "key-1",
		RawNumber:      "+50937001234",
		AmountMinor:    0,
		PaymentMethod:  "card-123",
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	f.svc.normalizer = &fakeNormalizer{invalid: true}
	_, err = f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		IdempotencyKey: "key-2",
		RawNumber:      "not-a-number",
		AmountMinor:    1000,
		PaymentMethod:  "card-123",
	})
	require.ErrorIs(t, err, ErrInvalidNumber)
	require.Equal(t, 0, f.payments.authorizeCalls)
}

func TestDeliveredWebhookStartsConfirmationWindow(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	require.Equal(t, models.StatusPendingConfirmation, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.scheduler.scheduleCount())
	require.Equal(t, f.now.Add(24*time.Hour), f.scheduler.scheduled[tx.ID])
	require.Equal(t, 1, f.bus.count(models.EventConfirmReceiptRequired))
	require.True(t, f.events.processed["evt-1"])
}

func TestDuplicateWebhookEventIsDiscarded(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	require.Equal(t, models.StatusPendingConfirmation, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.scheduler.scheduleCount())
	require.Equal(t, 1, f.bus.count(models.EventConfirmReceiptRequired))
}

func TestRedeliveredOutcomeUnderFreshEventID(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.NoError(t, f.deliverWebhook(t, tx, "evt-2", models.OutcomeDelivered))

	require.Equal(t, models.StatusPendingConfirmation, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.scheduler.scheduleCount())
	require.Equal(t, 1, f.bus.count(models.EventConfirmReceiptRequired))
}

func TestFailedWebhookReleasesHold(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeFailed))

	require.Equal(t, models.StatusDeliveryFailed, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.releases())
	require.Equal(t, 0, f.payments.captures())
	require.Equal(t, 0, f.scheduler.scheduleCount())
}

func TestWebhookForUnknownDeliveryRef(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ApplyDeliveryWebhook(context.Background(), WebhookInput{
		ProviderEventID: "evt-1",
		DeliveryRef:     "dlv-missing",
		Outcome:         models.OutcomeDelivered,
	})
	require.ErrorIs(t, err, repository.ErrTransactionNotFound)
}

func TestUserConfirmCompletesAndCapturesOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	confirmed, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, confirmed.Status)
	require.Equal(t, 1, f.payments.captures())
	require.True(t, f.scheduler.cancelled[tx.ID])
	require.Equal(t, 1, f.bus.count(models.EventTransactionConfirmed))

	// A late redelivery of the same outcome stays a no-op.
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.NoError(t, f.deliverWebhook(t, tx, "evt-3", models.OutcomeDelivered))
	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.captures())
}

func TestUserDisputeCapturesAndFlags(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	disputed, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionDispute, "credit never arrived")
	require.NoError(t, err)
	require.Equal(t, models.StatusDisputed, disputed.Status)
	require.Equal(t, "credit never arrived", disputed.DisputeNote.String)
	require.Equal(t, 1, f.payments.captures())
	require.True(t, f.scheduler.cancelled[tx.ID])
	require.Equal(t, 1, f.bus.count(models.EventTransactionDisputed))
}

func TestConfirmByNonOwnerIsRejected(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(99), ActionConfirm, "")
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, 0, f.payments.captures())
}

func TestAutoConfirmCompletesAndCapturesOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	require.NoError(t, f.svc.AutoConfirm(context.Background(), tx.ID))

	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.captures())
	require.Equal(t, 1, f.bus.count(models.EventTransactionAutoConfirmed))
}

func TestConfirmAfterTimerFiredIsTooLate(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.NoError(t, f.svc.AutoConfirm(context.Background(), tx.ID))

	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	require.ErrorIs(t, err, ErrAlreadySettled)
	require.Equal(t, 1, f.payments.captures())
}

func TestTimerFireAfterConfirmIsNoOp(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.AutoConfirm(context.Background(), tx.ID))
	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.captures())
	require.Equal(t, 0, f.bus.count(models.EventTransactionAutoConfirmed))
}

func TestConfirmBeforeDeliveryIsRejected(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	require.ErrorIs(t, err, ErrNotConfirmable)
	require.Equal(t, 0, f.payments.captures())
}

func TestConcurrentConfirmAndTimerFire(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	var wg sync.WaitGroup
	var confirmErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	}()
	go func() {
		defer wg.Done()
		_ = f.svc.AutoConfirm(context.Background(), tx.ID)
	}()
	wg.Wait()

	// Whichever side lost the guard backed off; money moved exactly once.
	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.payments.captures())
	if confirmErr != nil {
		require.True(t, errors.Is(confirmErr, ErrAlreadySettled))
	}
}

func TestWebhookRetryAfterStoreErrorIsReapplied(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)

	// First attempt records the event but the transition dies on the store.
	f.repo.failPendingOnce = true
	require.Error(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.Equal(t, models.StatusDeliveryRequested, f.repo.status(t, tx.ID))
	require.False(t, f.events.processed["evt-1"])

	// The provider retries under the same event id; the unprocessed event
	// must go through this time, not be swallowed as a duplicate.
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))
	require.Equal(t, models.StatusPendingConfirmation, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.scheduler.scheduleCount())
	require.Equal(t, 1, f.bus.count(models.EventConfirmReceiptRequired))
	require.True(t, f.events.processed["evt-1"])
}

func TestConfirmCaptureFailureRecoveredAtStartup(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	f.payments.failCaptures = 1
	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(42), ActionConfirm, "")
	require.Error(t, err)
	require.Equal(t, models.StatusConfirmed, f.repo.status(t, tx.ID))
	require.Equal(t, 0, f.bus.count(models.EventTransactionConfirmed))

	require.NoError(t, f.svc.RecoverInterruptedCaptures(context.Background()))

	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 2, f.payments.captures())
	require.Equal(t, 1, f.bus.count(models.EventTransactionConfirmed))
}

func TestAutoConfirmCaptureFailureRecoveredAtStartup(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	f.payments.failCaptures = 1
	require.Error(t, f.svc.AutoConfirm(context.Background(), tx.ID))
	require.Equal(t, models.StatusAutoConfirmed, f.repo.status(t, tx.ID))

	require.NoError(t, f.svc.RecoverInterruptedCaptures(context.Background()))

	require.Equal(t, models.StatusCompleted, f.repo.status(t, tx.ID))
	require.Equal(t, 1, f.bus.count(models.EventTransactionAutoConfirmed))
}

func TestRecoverWithNothingPendingIsNoOp(t *testing.T) {
	f := newFixture(t)
	tx := f.createRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	require.NoError(t, f.svc.RecoverInterruptedCaptures(context.Background()))

	require.Equal(t, models.StatusPendingConfirmation, f.repo.status(t, tx.ID))
	require.Equal(t, 0, f.payments.captures())
}

func (f *fixture) createGuestRecharge(t *testing.T) *models.Transaction {
	t.Helper()
	tx, err := f.svc.CreateRecharge(context.Background(), CreateRechargeInput{
		IdempotencyKey: "guest-key-1",
		RawNumber:      "+50937001234",
		AmountMinor:    1000,
		Currency:       "USD",
		PaymentMethod:  "card-456",
	})
	require.NoError(t, err)
	return tx
}

func TestGuestConfirmRequiresClaimKey(t *testing.T) {
	f := newFixture(t)
	tx := f.createGuestRecharge(t)
	require.NoError(t, f.deliverWebhook(t, tx, "evt-1", models.OutcomeDelivered))

	// Knowing the transaction id is not enough, not even with a valid login.
	_, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, asUser(99), ActionConfirm, "")
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.SubmitConfirmation(context.Background(), tx.ID, Caller{ClaimKey: "wrong-key"}, ActionConfirm, "")
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, 0, f.payments.captures())

	confirmed, err := f.svc.SubmitConfirmation(context.Background(), tx.ID, Caller{ClaimKey: "guest-key-1"}, ActionConfirm, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, confirmed.Status)
	require.Equal(t, 1, f.payments.captures())
}

func TestGuestTransactionReadRequiresClaimKey(t *testing.T) {
	f := newFixture(t)
	tx := f.createGuestRecharge(t)

	_, err := f.svc.GetTransaction(context.Background(), tx.ID, asUser(99))
	require.ErrorIs(t, err, ErrNotOwner)

	got, err := f.svc.GetTransaction(context.Background(), tx.ID, Caller{ClaimKey: "guest-key-1"})
	require.NoError(t, err)
	require.Equal(t, tx.ID, got.ID)
}
