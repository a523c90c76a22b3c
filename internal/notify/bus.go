package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"rechargehub/internal/models"
)

// Sender delivers a serialized event to every open connection of a user.
type Sender interface {
	SendToUser(userID int64, msg []byte) int
}

// Invalidator drops a user's cached transaction views.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// Bus pushes settlement events to the owning user's live connections and
// invalidates their cached views. Delivery is best effort: the transaction
// store stays the source of truth and offline users reconcile by pulling.
type Bus struct {
	sender      Sender
	invalidator Invalidator
	logger      *zap.Logger
}

// NewBus builds notification bus.
func NewBus(sender Sender, invalidator Invalidator, logger *zap.Logger) *Bus {
	return &Bus{
		sender:      sender,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Publish sends one event for a state transition. Guest transactions carry
// no owner and produce no push. Never returns an error: a failed push must
// not undo a committed transition.
func (b *Bus) Publish(ctx context.Context, tx *models.Transaction, eventType string, data map[string]string) {
	userID, ok := tx.Owner()
	if !ok {
		return
	}

	if b.invalidator != nil {
		if err := b.invalidator.Invalidate(ctx, userID); err != nil {
			b.logger.Warn("failed to invalidate cached views",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}

	event := models.PushEvent{
		Type:          eventType,
		TransactionID: tx.ID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode push event", zap.Error(err))
		return
	}

	reached := b.sender.SendToUser(userID, payload)
	if reached == 0 {
		b.logger.Debug("user offline, push dropped",
			zap.Int64("user_id", userID),
			zap.String("event", eventType),
		)
	}
}
