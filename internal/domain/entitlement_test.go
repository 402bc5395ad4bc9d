package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntitlement(t *testing.T) {
	tests := []struct {
		name    string
		deposit Deposit
		summary OutcomeSummary
		want    uint64
	}{
		{"no goals", Deposit{TotalAmount: 100}, OutcomeSummary{}, 0},
		{"half resolved", Deposit{TotalAmount: 100}, OutcomeSummary{Succeeded: 1, Pending: 1, Total: 2}, 50},
		{"all succeeded", Deposit{TotalAmount: 100}, OutcomeSummary{Succeeded: 2, Total: 2}, 100},
		{"all failed", Deposit{TotalAmount: 100}, OutcomeSummary{Failed: 2, Total: 2}, 0},
		{"floors", Deposit{TotalAmount: 100}, OutcomeSummary{Succeeded: 1, Failed: 2, Total: 3}, 33},
		{"pending only", Deposit{TotalAmount: 100}, OutcomeSummary{Pending: 3, Total: 3}, 0},
		{
			"no overflow at max deposit",
			Deposit{TotalAmount: math.MaxUint64},
			OutcomeSummary{Succeeded: 2, Failed: 1, Total: 3},
			math.MaxUint64 / 3 * 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Entitlement(tt.deposit, tt.summary))
		})
	}
}

func TestPayable(t *testing.T) {
	d := Deposit{TotalAmount: 100, Withdrawn: 50}
	require.Equal(t, uint64(0), Payable(d, OutcomeSummary{Succeeded: 1, Pending: 1, Total: 2}))
	require.Equal(t, uint64(50), Payable(d, OutcomeSummary{Succeeded: 2, Total: 2}))

	// Withdrawn above entitlement never underflows.
	d.Withdrawn = 80
	require.Equal(t, uint64(0), Payable(d, OutcomeSummary{Succeeded: 1, Failed: 1, Total: 2}))
}

func TestApplyWithdrawal(t *testing.T) {
	d := Deposit{TotalAmount: 100, Withdrawn: 60}
	require.ErrorIs(t, d.ApplyWithdrawal(41), ErrInsufficientBalance)
	require.Equal(t, uint64(60), d.Withdrawn)
	require.NoError(t, d.ApplyWithdrawal(40))
	require.Equal(t, uint64(0), d.Available())
}

func TestResolve(t *testing.T) {
	g := GoalCommitment{Status: GoalPending}
	now := time.Unix(1700000000, 0)
	require.NoError(t, g.Resolve(false, now))
	require.Equal(t, GoalFailed, g.Status)
	require.ErrorIs(t, g.Resolve(true, now), ErrAlreadyAttested)
	require.Equal(t, GoalFailed, g.Status)
}

func TestSummarize(t *testing.T) {
	goals := []GoalCommitment{
		{Status: GoalSucceeded}, {Status: GoalFailed}, {Status: GoalPending}, {Status: GoalPending},
	}
	require.Equal(t, OutcomeSummary{Succeeded: 1, Failed: 1, Pending: 2, Total: 4}, Summarize(goals))
	require.False(t, Summarize(goals).Resolved())
}

func TestKind(t *testing.T) {
	require.Equal(t, "stale_price", Kind(errors.Join(errors.New("ctx"), ErrStalePrice)))
	require.Equal(t, "internal", Kind(errors.New("boom")))
	require.True(t, IsRetryable(ErrLowConfidence))
	require.False(t, IsRetryable(ErrUnauthorized))
}
