package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rechargehub/internal/models"
)

// AutoConfirmer is the settlement entry point a firing timer calls.
type AutoConfirmer interface {
	AutoConfirm(ctx context.Context, txID string) error
}

// PendingLister exposes the recovery scan over persisted deadlines.
type PendingLister interface {
	ListPendingConfirmation(ctx context.Context) ([]models.Transaction, error)
}

// ConfirmationScheduler arms one fire-at-most-once timer per transaction in
// pending_confirmation. Timers are in-process; the persisted confirmation
// deadline is authoritative, so Recover rebuilds them all after a restart.
type ConfirmationScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	settler AutoConfirmer
	repo    PendingLister
	logger  *zap.Logger
	now     func() time.Time
}

// NewConfirmationScheduler builds scheduler. Bind must be called before any
// timer is armed.
func NewConfirmationScheduler(repo PendingLister, logger *zap.Logger) *ConfirmationScheduler {
	return &ConfirmationScheduler{
		timers: make(map[string]*time.Timer),
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Bind attaches the settlement service. Separate from the constructor
// because scheduler and settlement reference each other.
func (s *ConfirmationScheduler) Bind(settler AutoConfirmer) {
	s.settler = settler
}

// Schedule arms the timer for one transaction. Re-scheduling an armed
// transaction keeps the earlier timer; a duplicate webhook must not reset
// the window.
func (s *ConfirmationScheduler) Schedule(txID string, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[txID]; exists {
		s.logger.Info("timer already armed, keeping original deadline",
			zap.String("transaction_id", txID),
		)
		return
	}

	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[txID] = time.AfterFunc(delay, func() {
		s.fire(txID)
	})
}

// Cancel disarms the timer after a user action settled the transaction.
func (s *ConfirmationScheduler) Cancel(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[txID]; ok {
		timer.Stop()
		delete(s.timers, txID)
	}
}

func (s *ConfirmationScheduler) fire(txID string) {
	s.mu.Lock()
	delete(s.timers, txID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.settler.AutoConfirm(ctx, txID); err != nil {
		s.logger.Error("auto-confirm failed",
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
	}
}

// Recover re-derives every pending timer from persisted deadlines. Deadlines
// that passed during downtime fire immediately.
func (s *ConfirmationScheduler) Recover(ctx context.Context) error {
	pending, err := s.repo.ListPendingConfirmation(ctx)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		if !tx.ConfirmationDeadline.Valid {
			continue
		}
		s.Schedule(tx.ID, tx.ConfirmationDeadline.Time)
	}

	s.logger.Info("confirmation timers recovered", zap.Int("count", len(pending)))
	return nil
}

// PendingCount reports armed timers.
func (s *ConfirmationScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
