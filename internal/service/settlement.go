package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/event"
	"github.com/punchamoorthee/goalescrow/internal/payout"
	"github.com/punchamoorthee/goalescrow/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var ErrPayoutFailed = errors.New("payout execution failed")

// PriceFeed validates caller-supplied price updates and converts amounts.
type PriceFeed interface {
	Quote(updates [][]byte, now time.Time) (*domain.PriceQuote, error)
	ToReferenceCurrency(amount uint64, q domain.PriceQuote) decimal.Decimal
}

type Config struct {
	Authorizer Authorizer
	Prices     PriceFeed
	Payout     payout.Driver
	// Events receives notifications after each successful mutation. Optional.
	Events *event.EventBus
	// Registerer receives engine metrics. Optional.
	Registerer prometheus.Registerer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine settles conditional deposits. Mutating calls are serialized; reads
// may run concurrently with each other but never with a mutation.
type Engine struct {
	mu      sync.RWMutex
	store   store.Store
	auth    Authorizer
	prices  PriceFeed
	payout  payout.Driver
	events  *event.EventBus
	metrics *engineMetrics
	clock   func() time.Time
}

func NewEngine(s store.Store, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("missing ledger store")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("missing attestation authorizer")
	}
	if cfg.Payout == nil {
		return nil, fmt.Errorf("missing payout driver")
	}
	e := &Engine{
		store:  s,
		auth:   cfg.Authorizer,
		prices: cfg.Prices,
		payout: cfg.Payout,
		events: cfg.Events,
		clock:  cfg.Clock,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if cfg.Registerer != nil {
		e.metrics = newEngineMetrics(cfg.Registerer)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// serialized runs fn under the engine's write lock. Callers publish
// notifications after it returns.
func (e *Engine) serialized(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

func (e *Engine) publish(t event.EventType, data any) {
	if e.events != nil {
		e.events.Publish(event.NewEvent(t, data))
	}
}

// RecordDeposit escrows amount for user and appends one pending commitment
// per target after any existing ones.
func (e *Engine) RecordDeposit(ctx context.Context, user domain.Address, amount uint64, targets []uint64) (*domain.Deposit, error) {
	if user.IsZero() {
		return nil, e.rejectDeposit(fmt.Errorf("%w: missing depositor", domain.ErrInvalidDeposit))
	}
	if amount == 0 {
		return nil, e.rejectDeposit(fmt.Errorf("%w: amount must be positive", domain.ErrInvalidDeposit))
	}
	if len(targets) == 0 {
		return nil, e.rejectDeposit(fmt.Errorf("%w: at least one goal is required", domain.ErrInvalidDeposit))
	}

	var result domain.Deposit
	err := e.serialized(func() error {
		now := e.now()
		return e.store.Update(ctx, func(tx store.Tx) error {
			d, err := tx.GetDeposit(ctx, user)
			switch {
			case errors.Is(err, store.ErrNotFound):
				d = &domain.Deposit{User: user, CreatedAt: now}
			case err != nil:
				return err
			}
			if d.TotalAmount > math.MaxUint64-amount {
				return fmt.Errorf("%w: total would overflow", domain.ErrInvalidDeposit)
			}
			existing, err := tx.Goals(ctx, user)
			if err != nil {
				return err
			}

			goals := make([]domain.GoalCommitment, 0, len(targets))
			for i, target := range targets {
				goals = append(goals, domain.GoalCommitment{
					User:      user,
					Index:     d.GoalCount + uint64(i),
					Target:    target,
					Status:    domain.GoalPending,
					CreatedAt: now,
				})
			}

			d.TotalAmount += amount
			d.GoalCount += uint64(len(targets))
			d.UpdatedAt = now

			// New pending goals dilute the entitlement; it may not drop below
			// what has already been paid out.
			summary := domain.Summarize(append(existing, goals...))
			if ent := domain.Entitlement(*d, summary); ent < d.Withdrawn {
				return fmt.Errorf("%w: entitlement would fall to %d, below %d already withdrawn", domain.ErrInvalidDeposit, ent, d.Withdrawn)
			}

			if err := tx.PutDeposit(ctx, *d); err != nil {
				return err
			}
			if err := tx.InsertGoals(ctx, goals); err != nil {
				return err
			}
			result = *d
			return nil
		})
	})
	if err != nil {
		return nil, e.rejectDeposit(err)
	}

	log.WithFields(log.Fields{
		"user":   user,
		"amount": amount,
		"goals":  len(targets),
		"total":  result.TotalAmount,
	}).Info("deposit recorded")
	if e.metrics != nil {
		e.metrics.deposits.Inc()
		e.metrics.depositedAmount.Add(float64(amount))
	}
	e.publish(event.DepositRecordedEventType, event.DepositRecordedEvent{
		User:   user,
		Amount: amount,
		Goals:  uint64(len(targets)),
	})
	return &result, nil
}

func (e *Engine) rejectDeposit(err error) error {
	log.WithError(err).Debug("deposit rejected")
	e.metrics.reject("deposit", err)
	return err
}

// Attest resolves one pending commitment. Only callers admitted by the
// authorizer may attest, and each commitment is resolved at most once.
func (e *Engine) Attest(ctx context.Context, caller, user domain.Address, index uint64, success bool) (*domain.GoalCommitment, error) {
	if !e.auth.CanAttest(caller) {
		return nil, e.rejectAttest(fmt.Errorf("%w: %s may not attest", domain.ErrUnauthorized, caller))
	}

	var result domain.GoalCommitment
	err := e.serialized(func() error {
		now := e.now()
		return e.store.Update(ctx, func(tx store.Tx) error {
			g, err := tx.GetGoal(ctx, user, index)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s has no goal %d", domain.ErrUnknownGoal, user, index)
			}
			if err != nil {
				return err
			}
			if err := g.Resolve(success, now); err != nil {
				return fmt.Errorf("%w: %s goal %d is %s", err, user, index, g.Status)
			}
			if err := tx.UpdateGoal(ctx, *g); err != nil {
				return err
			}
			result = *g
			return nil
		})
	})
	if err != nil {
		return nil, e.rejectAttest(err)
	}

	log.WithFields(log.Fields{
		"user":    user,
		"index":   index,
		"success": success,
	}).Info("goal marked")
	if e.metrics != nil {
		e.metrics.attestations.WithLabelValues(string(result.Status)).Inc()
	}
	e.publish(event.GoalMarkedEventType, event.GoalMarkedEvent{User: user, Index: index, Success: success})
	return &result, nil
}

func (e *Engine) rejectAttest(err error) error {
	log.WithError(err).Debug("attestation rejected")
	e.metrics.reject("attest", err)
	return err
}

// WithdrawWithPrice settles the payable amount and tags it with its value in
// the reference currency, taken from the freshest matching update.
func (e *Engine) WithdrawWithPrice(ctx context.Context, user domain.Address, updates [][]byte) (*domain.Withdrawal, error) {
	if e.prices == nil {
		return nil, fmt.Errorf("price feed not configured")
	}
	return e.withdraw(ctx, user, func(now time.Time) (*domain.PriceQuote, error) {
		return e.prices.Quote(updates, now)
	})
}

// WithdrawWithoutPrice settles the payable amount without consulting the
// price feed; the reported reference value is zero.
func (e *Engine) WithdrawWithoutPrice(ctx context.Context, user domain.Address) (*domain.Withdrawal, error) {
	return e.withdraw(ctx, user, nil)
}

type quoteFunc func(now time.Time) (*domain.PriceQuote, error)

func (e *Engine) withdraw(ctx context.Context, user domain.Address, quote quoteFunc) (*domain.Withdrawal, error) {
	path := "without_price"
	if quote != nil {
		path = "with_price"
	}

	var (
		w       domain.Withdrawal
		receipt *payout.Receipt
	)
	err := e.serialized(func() (err error) {
		w, receipt, err = e.settle(ctx, user, quote)
		return err
	})
	if err != nil {
		return nil, e.rejectWithdraw(path, user, err)
	}

	log.WithFields(log.Fields{
		"withdrawal": w.ID,
		"user":       user,
		"amount":     w.Amount,
		"usd_value":  w.USDValue.String(),
		"tx":         receipt.TxID,
	}).Info("withdrawal settled")
	if e.metrics != nil {
		e.metrics.withdrawals.WithLabelValues(path).Inc()
		e.metrics.withdrawnAmount.Add(float64(w.Amount))
	}
	e.publish(event.WithdrawalSettledEventType, event.WithdrawalSettledEvent{
		WithdrawalID:   w.ID,
		User:           user,
		Amount:         w.Amount,
		USDValue:       w.USDValue,
		PriceAvailable: w.PriceAvailable,
	})
	return &w, nil
}

// settle commits the withdrawal and executes its payout. A payout that fails
// to execute is aborted and the withdrawal is reverted.
func (e *Engine) settle(ctx context.Context, user domain.Address, quote quoteFunc) (domain.Withdrawal, *payout.Receipt, error) {
	now := e.now()
	w := domain.Withdrawal{
		ID:        uuid.NewString(),
		User:      user,
		USDValue:  decimal.Zero,
		CreatedAt: now,
	}
	var q *domain.PriceQuote
	if quote != nil {
		var err error
		if q, err = quote(now); err != nil {
			return w, nil, err
		}
	}

	var handle *payout.Handle
	err := e.store.Update(ctx, func(tx store.Tx) error {
		d, err := tx.GetDeposit(ctx, user)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownUser, user)
		}
		if err != nil {
			return err
		}
		goals, err := tx.Goals(ctx, user)
		if err != nil {
			return err
		}

		amount := domain.Payable(*d, domain.Summarize(goals))
		if amount == 0 {
			return domain.ErrNothingToWithdraw
		}
		if err := d.ApplyWithdrawal(amount); err != nil {
			return err
		}
		d.UpdatedAt = now
		if err := tx.PutDeposit(ctx, *d); err != nil {
			return err
		}

		w.Amount = amount
		if q != nil {
			w.USDValue = e.prices.ToReferenceCurrency(amount, *q)
			w.PriceAvailable = true
			w.PriceFeedID = q.FeedID
			published := q.PublishTime
			w.PricePublishTime = &published
		}

		// Reserve the payout last so the only failure left after it is the commit.
		handle, err = e.payout.Prepare(ctx, payout.Request{WithdrawalID: w.ID, Recipient: user, Amount: amount})
		if err != nil {
			return fmt.Errorf("payout prepare failed: %w", err)
		}
		w.PayoutTxID = handle.ID
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		if handle != nil {
			if abortErr := e.payout.Abort(ctx, handle); abortErr != nil {
				log.WithError(abortErr).WithField("withdrawal", w.ID).Error("payout abort failed")
			}
		}
		return w, nil, err
	}

	receipt, err := e.payout.Execute(ctx, handle)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"withdrawal": w.ID,
			"user":       user,
			"amount":     w.Amount,
		}).Error("payout execution failed, reverting withdrawal")
		if revertErr := e.revert(ctx, w, handle); revertErr != nil {
			return w, nil, fmt.Errorf("%w: %v; revert failed: %v", ErrPayoutFailed, err, revertErr)
		}
		return w, nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}
	return w, receipt, nil
}

// revert releases the payout reservation and undoes a committed withdrawal
// whose payout never executed. It runs even if ctx is already cancelled.
func (e *Engine) revert(ctx context.Context, w domain.Withdrawal, handle *payout.Handle) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.payout.Abort(ctx, handle); err != nil {
		log.WithError(err).WithField("withdrawal", w.ID).Warn("payout abort failed")
	}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		d, err := tx.GetDeposit(ctx, w.User)
		if err != nil {
			return err
		}
		if d.Withdrawn < w.Amount {
			return fmt.Errorf("withdrawn %d is below the reverted amount %d", d.Withdrawn, w.Amount)
		}
		d.Withdrawn -= w.Amount
		d.UpdatedAt = e.now()
		if err := tx.PutDeposit(ctx, *d); err != nil {
			return err
		}
		return tx.DeleteWithdrawal(ctx, w.User, w.ID)
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"withdrawal": w.ID,
			"user":       w.User,
			"amount":     w.Amount,
		}).Error("withdrawal revert failed, ledger holds an unpaid withdrawal")
	}
	return err
}

func (e *Engine) rejectWithdraw(path string, user domain.Address, err error) error {
	log.WithError(err).WithFields(log.Fields{"user": user, "path": path}).Debug("withdrawal rejected")
	e.metrics.reject("withdraw_"+path, err)
	return err
}

// Deposit returns the user's escrow record.
func (e *Engine) Deposit(ctx context.Context, user domain.Address) (*domain.Deposit, error) {
	var d *domain.Deposit
	err := e.view(ctx, func(tx store.Tx) (err error) {
		d, err = getDeposit(ctx, tx, user)
		return
	})
	return d, err
}

// AvailableToWithdraw returns TotalAmount - Withdrawn.
func (e *Engine) AvailableToWithdraw(ctx context.Context, user domain.Address) (uint64, error) {
	d, err := e.Deposit(ctx, user)
	if err != nil {
		return 0, err
	}
	return d.Available(), nil
}

func (e *Engine) OutcomeSummary(ctx context.Context, user domain.Address) (domain.OutcomeSummary, error) {
	var s domain.OutcomeSummary
	err := e.view(ctx, func(tx store.Tx) error {
		goals, err := userGoals(ctx, tx, user)
		if err != nil {
			return err
		}
		s = domain.Summarize(goals)
		return nil
	})
	return s, err
}

// Entitlement returns the cumulative amount the user may have withdrawn.
func (e *Engine) Entitlement(ctx context.Context, user domain.Address) (uint64, error) {
	var v uint64
	err := e.view(ctx, func(tx store.Tx) error {
		d, err := getDeposit(ctx, tx, user)
		if err != nil {
			return err
		}
		goals, err := tx.Goals(ctx, user)
		if err != nil {
			return err
		}
		v = domain.Entitlement(*d, domain.Summarize(goals))
		return nil
	})
	return v, err
}

func (e *Engine) Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error) {
	var goals []domain.GoalCommitment
	err := e.view(ctx, func(tx store.Tx) (err error) {
		goals, err = userGoals(ctx, tx, user)
		return
	})
	return goals, err
}

func (e *Engine) Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error) {
	var out []domain.Withdrawal
	err := e.view(ctx, func(tx store.Tx) error {
		if _, err := getDeposit(ctx, tx, user); err != nil {
			return err
		}
		var err error
		out, err = tx.Withdrawals(ctx, user)
		return err
	})
	return out, err
}

func (e *Engine) view(ctx context.Context, fn func(tx store.Tx) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.View(ctx, fn)
}

func getDeposit(ctx context.Context, tx store.Tx, user domain.Address) (*domain.Deposit, error) {
	d, err := tx.GetDeposit(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownUser, user)
	}
	return d, err
}

func userGoals(ctx context.Context, tx store.Tx, user domain.Address) ([]domain.GoalCommitment, error) {
	if _, err := getDeposit(ctx, tx, user); err != nil {
		return nil, err
	}
	return tx.Goals(ctx, user)
}
