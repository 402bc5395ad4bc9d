package payout

import (
	"context"
	"testing"

	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestTreasury(t *testing.T) {
	ctx := context.Background()
	tr := NewTreasury()
	alice := domain.NewAddress("0xA11CE")

	_, err := tr.Prepare(ctx, Request{Recipient: alice})
	require.ErrorIs(t, err, ErrInvalidAmount)

	h, err := tr.Prepare(ctx, Request{WithdrawalID: "w1", Recipient: alice, Amount: 50})
	require.NoError(t, err)
	require.Equal(t, 1, tr.Reserved())
	require.Zero(t, tr.Paid(alice))

	r, err := tr.Execute(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(50), r.Amount)
	require.NotEmpty(t, r.TxID)
	require.Equal(t, uint64(50), tr.Paid(alice))
	require.Zero(t, tr.Reserved())

	// A handle executes at most once.
	_, err = tr.Execute(ctx, h)
	require.ErrorIs(t, err, ErrUnknownHandle)

	h2, err := tr.Prepare(ctx, Request{WithdrawalID: "w2", Recipient: alice, Amount: 10})
	require.NoError(t, err)
	require.NoError(t, tr.Abort(ctx, h2))
	require.ErrorIs(t, tr.Abort(ctx, h2), ErrUnknownHandle)
	require.Equal(t, uint64(50), tr.Paid(alice))
	require.Len(t, tr.Receipts(), 1)
}
