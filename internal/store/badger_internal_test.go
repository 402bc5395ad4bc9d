package store

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestBadgerCorruptWithdrawalIsAnError(t *testing.T) {
	s, err := NewBadgerStore("", nil)
	require.NoError(t, err)
	defer s.Close()

	user := domain.NewAddress("0xabc")
	require.NoError(t, s.store.Insert("corrupt", withdrawalData{
		ID:        "corrupt",
		User:      user.String(),
		Amount:    10,
		USDValue:  "not-a-number",
		CreatedAt: time.Now().UTC(),
	}))

	ctx := context.Background()
	require.NotPanics(t, func() {
		err = s.View(ctx, func(tx Tx) error {
			_, err := tx.Withdrawals(ctx, user)
			return err
		})
	})
	require.ErrorContains(t, err, "invalid usd value")
}
