package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/timshannon/badgerhold/v4"
)

const ledgerDir = "ledger"

// BadgerStore persists the ledgers in an embedded badger database.
// An empty baseDir opens an in-memory database.
type BadgerStore struct {
	store *badgerhold.Store
}

func NewBadgerStore(baseDir string, logger badger.Logger) (*BadgerStore, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, ledgerDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return &BadgerStore{store: store}, nil
}

func createDB(dir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dir) <= 0

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if logger != nil {
		opts.Logger = logger
	}
	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.store.Badger().Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{store: s.store, txn: txn})
	})
}

func (s *BadgerStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.store.Badger().View(func(txn *badger.Txn) error {
		return fn(&badgerTx{store: s.store, txn: txn, readOnly: true})
	})
}

func (s *BadgerStore) Close() error {
	return s.store.Close()
}

type badgerTx struct {
	store    *badgerhold.Store
	txn      *badger.Txn
	readOnly bool
}

type depositData struct {
	User        string
	TotalAmount uint64
	Withdrawn   uint64
	GoalCount   uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type goalData struct {
	User       string
	Index      uint64
	Target     uint64
	Status     string
	CreatedAt  time.Time
	AttestedAt int64
}

type withdrawalData struct {
	ID               string
	User             string
	Amount           uint64
	USDValue         string
	PriceAvailable   bool
	PriceFeedID      string
	PricePublishTime int64
	PayoutTxID       string
	CreatedAt        time.Time
}

func goalDataKey(user domain.Address, index uint64) string {
	return fmt.Sprintf("%s/%020d", user, index)
}

func (tx *badgerTx) GetDeposit(ctx context.Context, user domain.Address) (*domain.Deposit, error) {
	var data depositData
	if err := tx.store.TxGet(tx.txn, user.String(), &data); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return &domain.Deposit{
		User:        domain.Address(data.User),
		TotalAmount: data.TotalAmount,
		Withdrawn:   data.Withdrawn,
		GoalCount:   data.GoalCount,
		CreatedAt:   data.CreatedAt,
		UpdatedAt:   data.UpdatedAt,
	}, nil
}

func (tx *badgerTx) PutDeposit(ctx context.Context, d domain.Deposit) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	data := depositData{
		User:        d.User.String(),
		TotalAmount: d.TotalAmount,
		Withdrawn:   d.Withdrawn,
		GoalCount:   d.GoalCount,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	return tx.store.TxUpsert(tx.txn, d.User.String(), data)
}

func (tx *badgerTx) Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error) {
	var rows []goalData
	if err := tx.store.TxFind(tx.txn, &rows, badgerhold.Where("User").Eq(user.String())); err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })

	goals := make([]domain.GoalCommitment, 0, len(rows))
	for _, r := range rows {
		goals = append(goals, r.toGoal())
	}
	return goals, nil
}

func (tx *badgerTx) GetGoal(ctx context.Context, user domain.Address, index uint64) (*domain.GoalCommitment, error) {
	var data goalData
	if err := tx.store.TxGet(tx.txn, goalDataKey(user, index), &data); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	g := data.toGoal()
	return &g, nil
}

func (tx *badgerTx) InsertGoals(ctx context.Context, goals []domain.GoalCommitment) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	for _, g := range goals {
		if err := tx.store.TxInsert(tx.txn, goalDataKey(g.User, g.Index), toGoalData(g)); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return fmt.Errorf("goal %s/%d already exists", g.User, g.Index)
			}
			return err
		}
	}
	return nil
}

func (tx *badgerTx) UpdateGoal(ctx context.Context, g domain.GoalCommitment) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	err := tx.store.TxUpdate(tx.txn, goalDataKey(g.User, g.Index), toGoalData(g))
	if errors.Is(err, badgerhold.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (tx *badgerTx) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	data := withdrawalData{
		ID:             w.ID,
		User:           w.User.String(),
		Amount:         w.Amount,
		USDValue:       w.USDValue.String(),
		PriceAvailable: w.PriceAvailable,
		PriceFeedID:    w.PriceFeedID,
		PayoutTxID:     w.PayoutTxID,
		CreatedAt:      w.CreatedAt,
	}
	if w.PricePublishTime != nil {
		data.PricePublishTime = w.PricePublishTime.Unix()
	}
	return tx.store.TxInsert(tx.txn, w.ID, data)
}

func (tx *badgerTx) DeleteWithdrawal(ctx context.Context, user domain.Address, id string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	var data withdrawalData
	err := tx.store.TxGet(tx.txn, id, &data)
	if errors.Is(err, badgerhold.ErrNotFound) || (err == nil && data.User != user.String()) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return tx.store.TxDelete(tx.txn, id, withdrawalData{})
}

func (tx *badgerTx) Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error) {
	var rows []withdrawalData
	if err := tx.store.TxFind(tx.txn, &rows, badgerhold.Where("User").Eq(user.String())); err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}

	out := make([]domain.Withdrawal, 0, len(rows))
	for _, r := range rows {
		usd, err := decimal.NewFromString(r.USDValue)
		if err != nil {
			return nil, fmt.Errorf("withdrawal %s: invalid usd value %q: %w", r.ID, r.USDValue, err)
		}
		w := domain.Withdrawal{
			ID:             r.ID,
			User:           domain.Address(r.User),
			Amount:         r.Amount,
			USDValue:       usd,
			PriceAvailable: r.PriceAvailable,
			PriceFeedID:    r.PriceFeedID,
			PayoutTxID:     r.PayoutTxID,
			CreatedAt:      r.CreatedAt,
		}
		if r.PricePublishTime != 0 {
			t := time.Unix(r.PricePublishTime, 0).UTC()
			w.PricePublishTime = &t
		}
		out = append(out, w)
	}
	sortWithdrawals(out)
	return out, nil
}

func toGoalData(g domain.GoalCommitment) goalData {
	data := goalData{
		User:      g.User.String(),
		Index:     g.Index,
		Target:    g.Target,
		Status:    string(g.Status),
		CreatedAt: g.CreatedAt,
	}
	if g.AttestedAt != nil {
		data.AttestedAt = g.AttestedAt.UnixNano()
	}
	return data
}

func (d goalData) toGoal() domain.GoalCommitment {
	g := domain.GoalCommitment{
		User:      domain.Address(d.User),
		Index:     d.Index,
		Target:    d.Target,
		Status:    domain.GoalStatus(d.Status),
		CreatedAt: d.CreatedAt,
	}
	if d.AttestedAt != 0 {
		t := time.Unix(0, d.AttestedAt).UTC()
		g.AttestedAt = &t
	}
	return g
}
