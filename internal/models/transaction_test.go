package models

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusPaymentFailed, StatusDeliveryFailed, StatusCancelled}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}

	open := []Status{StatusCreated, StatusAuthorized, StatusDeliveryRequested, StatusAwaitingDelivery, StatusPendingConfirmation, StatusConfirmed, StatusAutoConfirmed, StatusDisputed}
	for _, s := range open {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStatusOrderingIsForwardOnly(t *testing.T) {
	forward := []Status{
		StatusCreated,
		StatusAuthorized,
		StatusDeliveryRequested,
		StatusAwaitingDelivery,
		StatusPendingConfirmation,
		StatusConfirmed,
		StatusCompleted,
	}
	for i := 1; i < len(forward); i++ {
		require.True(t, forward[i].After(forward[i-1]), "%s should be after %s", forward[i], forward[i-1])
		require.False(t, forward[i-1].After(forward[i]), "%s should not be after %s", forward[i-1], forward[i])
	}

	// The three settlement outcomes sit at the same depth.
	require.False(t, StatusConfirmed.After(StatusDisputed))
	require.False(t, StatusAutoConfirmed.After(StatusConfirmed))
	require.True(t, StatusAutoConfirmed.After(StatusPendingConfirmation))
}

func TestOwner(t *testing.T) {
	guest := Transaction{}
	_, ok := guest.Owner()
	require.False(t, ok)

	owned := Transaction{UserID: sql.NullInt64{Int64: 42, Valid: true}}
	id, ok := owned.Owner()
	require.True(t, ok)
	require.Equal(t, int64(42), id)
}
