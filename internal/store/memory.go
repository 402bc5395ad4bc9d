package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/punchamoorthee/goalescrow/internal/domain"
)

type goalKey struct {
	user  domain.Address
	index uint64
}

// MemoryStore keeps the ledgers in maps keyed by user and (user, goal index).
// Entries are values, never shared pointers.
type MemoryStore struct {
	mu          sync.RWMutex
	deposits    map[domain.Address]domain.Deposit
	goals       map[goalKey]domain.GoalCommitment
	withdrawals map[domain.Address][]domain.Withdrawal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits:    make(map[domain.Address]domain.Deposit),
		goals:       make(map[goalKey]domain.GoalCommitment),
		withdrawals: make(map[domain.Address][]domain.Withdrawal),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:           s,
		deposits:    make(map[domain.Address]domain.Deposit),
		goals:       make(map[goalKey]domain.GoalCommitment),
		withdrawals: make(map[domain.Address][]domain.Withdrawal),
		removed:     make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// Commit the staged writes.
	for k, v := range tx.deposits {
		s.deposits[k] = v
	}
	for k, v := range tx.goals {
		s.goals[k] = v
	}
	for k, v := range tx.withdrawals {
		s.withdrawals[k] = append(s.withdrawals[k], v...)
	}
	if len(tx.removed) > 0 {
		for k, ws := range s.withdrawals {
			s.withdrawals[k] = withoutRemoved(ws, tx.removed)
		}
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{s: s, readOnly: true})
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx reads through its staged writes to the committed maps.
type memoryTx struct {
	s           *MemoryStore
	readOnly    bool
	deposits    map[domain.Address]domain.Deposit
	goals       map[goalKey]domain.GoalCommitment
	withdrawals map[domain.Address][]domain.Withdrawal
	removed     map[string]struct{}
}

func withoutRemoved(ws []domain.Withdrawal, removed map[string]struct{}) []domain.Withdrawal {
	out := ws[:0:0]
	for _, w := range ws {
		if _, ok := removed[w.ID]; !ok {
			out = append(out, w)
		}
	}
	return out
}

func (tx *memoryTx) GetDeposit(ctx context.Context, user domain.Address) (*domain.Deposit, error) {
	if d, ok := tx.deposits[user]; ok {
		return &d, nil
	}
	d, ok := tx.s.deposits[user]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (tx *memoryTx) PutDeposit(ctx context.Context, d domain.Deposit) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.deposits[d.User] = d
	return nil
}

func (tx *memoryTx) Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error) {
	merged := make(map[uint64]domain.GoalCommitment)
	for k, g := range tx.s.goals {
		if k.user == user {
			merged[k.index] = g
		}
	}
	for k, g := range tx.goals {
		if k.user == user {
			merged[k.index] = g
		}
	}
	goals := make([]domain.GoalCommitment, 0, len(merged))
	for _, g := range merged {
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].Index < goals[j].Index })
	return goals, nil
}

func (tx *memoryTx) GetGoal(ctx context.Context, user domain.Address, index uint64) (*domain.GoalCommitment, error) {
	k := goalKey{user, index}
	if g, ok := tx.goals[k]; ok {
		return &g, nil
	}
	g, ok := tx.s.goals[k]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (tx *memoryTx) InsertGoals(ctx context.Context, goals []domain.GoalCommitment) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	for _, g := range goals {
		k := goalKey{g.User, g.Index}
		if _, err := tx.GetGoal(ctx, g.User, g.Index); err == nil {
			return fmt.Errorf("goal %s/%d already exists", g.User, g.Index)
		}
		tx.goals[k] = g
	}
	return nil
}

func (tx *memoryTx) UpdateGoal(ctx context.Context, g domain.GoalCommitment) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if _, err := tx.GetGoal(ctx, g.User, g.Index); err != nil {
		return err
	}
	tx.goals[goalKey{g.User, g.Index}] = g
	return nil
}

func (tx *memoryTx) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.withdrawals[w.User] = append(tx.withdrawals[w.User], w)
	return nil
}

func (tx *memoryTx) DeleteWithdrawal(ctx context.Context, user domain.Address, id string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	ws, _ := tx.Withdrawals(ctx, user)
	for _, w := range ws {
		if w.ID == id {
			tx.removed[id] = struct{}{}
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error) {
	out := append([]domain.Withdrawal{}, tx.s.withdrawals[user]...)
	out = append(out, tx.withdrawals[user]...)
	out = withoutRemoved(out, tx.removed)
	sortWithdrawals(out)
	return out, nil
}
