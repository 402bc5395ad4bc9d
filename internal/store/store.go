package store

import (
	"context"
	"errors"
	"sort"

	"github.com/punchamoorthee/goalescrow/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Tx is a view of the ledgers inside one transaction. Writes become visible
// to other transactions only if the enclosing Update callback returns nil.
type Tx interface {
	GetDeposit(ctx context.Context, user domain.Address) (*domain.Deposit, error)
	PutDeposit(ctx context.Context, d domain.Deposit) error

	// Goals returns a user's commitments ordered by index.
	Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error)
	GetGoal(ctx context.Context, user domain.Address, index uint64) (*domain.GoalCommitment, error)
	InsertGoals(ctx context.Context, goals []domain.GoalCommitment) error
	UpdateGoal(ctx context.Context, g domain.GoalCommitment) error

	InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error
	// DeleteWithdrawal removes a settlement record whose payout never happened.
	DeleteWithdrawal(ctx context.Context, user domain.Address, id string) error
	// Withdrawals returns a user's settlement records, oldest first. Records
	// created at the same instant are ordered by ID.
	Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error)
}

func sortWithdrawals(ws []domain.Withdrawal) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

// Store owns the deposit and goal ledgers.
type Store interface {
	// Update runs fn in a read-write transaction, committing only if fn
	// returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
