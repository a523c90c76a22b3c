package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rechargehub/internal/models"
)

type captureSender struct {
	sent map[int64][][]byte
}

func (c *captureSender) SendToUser(userID int64, msg []byte) int {
	if c.sent == nil {
		c.sent = make(map[int64][][]byte)
	}
	c.sent[userID] = append(c.sent[userID], msg)
	return len(c.sent[userID])
}

type captureInvalidator struct {
	invalidated []int64
}

func (c *captureInvalidator) Invalidate(ctx context.Context, userID int64) error {
	c.invalidated = append(c.invalidated, userID)
	return nil
}

func ownedTx(id string, userID int64) *models.Transaction {
	return &models.Transaction{
		ID:     id,
		UserID: sql.NullInt64{Int64: userID, Valid: true},
	}
}

func TestPublishSendsEventAndInvalidatesCache(t *testing.T) {
	sender := &captureSender{}
	invalidator := &captureInvalidator{}
	bus := NewBus(sender, invalidator, zap.NewNop())

	bus.Publish(context.Background(), ownedTx("tx-1", 42), models.EventConfirmReceiptRequired, map[string]string{"deadline": "soon"})

	require.Equal(t, []int64{42}, invalidator.invalidated)
	require.Len(t, sender.sent[42], 1)

	var event models.PushEvent
	require.NoError(t, json.Unmarshal(sender.sent[42][0], &event))
	require.Equal(t, models.EventConfirmReceiptRequired, event.Type)
	require.Equal(t, "tx-1", event.TransactionID)
	require.Equal(t, "soon", event.Data["deadline"])
}

func TestPublishSkipsGuestTransactions(t *testing.T) {
	sender := &captureSender{}
	invalidator := &captureInvalidator{}
	bus := NewBus(sender, invalidator, zap.NewNop())

	bus.Publish(context.Background(), &models.Transaction{ID: "tx-1"}, models.EventTransactionCreated, nil)

	require.Empty(t, invalidator.invalidated)
	require.Empty(t, sender.sent)
}
