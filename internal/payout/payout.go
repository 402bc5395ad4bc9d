package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownHandle = errors.New("unknown payout handle")
	ErrInvalidAmount = errors.New("payout amount must be positive")
)

// Driver moves escrowed funds to a depositor.
//
// Prepare reserves the funds. Execute moves them; when it returns an error no
// funds have moved and the caller aborts the handle and reverts its ledger.
// Abort releases a reservation that will not be executed.
type Driver interface {
	Prepare(ctx context.Context, req Request) (*Handle, error)
	Execute(ctx context.Context, h *Handle) (*Receipt, error)
	Abort(ctx context.Context, h *Handle) error
}

type Request struct {
	WithdrawalID string
	Recipient    domain.Address
	Amount       uint64
}

type Handle struct {
	ID         string
	Request    Request
	PreparedAt time.Time
}

type Receipt struct {
	TxID       string
	Recipient  domain.Address
	Amount     uint64
	ExecutedAt time.Time
}

// Treasury is an in-process Driver that keeps the paid-out balance of every
// recipient. Reservations live in memory until executed or aborted.
type Treasury struct {
	mu       sync.Mutex
	reserved map[string]Request
	paid     map[domain.Address]uint64
	receipts []Receipt
}

func NewTreasury() *Treasury {
	return &Treasury{
		reserved: make(map[string]Request),
		paid:     make(map[domain.Address]uint64),
	}
}

func (t *Treasury) Prepare(ctx context.Context, req Request) (*Handle, error) {
	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &Handle{ID: uuid.NewString(), Request: req, PreparedAt: time.Now().UTC()}
	t.reserved[h.ID] = req
	return h, nil
}

func (t *Treasury) Execute(ctx context.Context, h *Handle) (*Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.reserved[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	delete(t.reserved, h.ID)

	t.paid[req.Recipient] += req.Amount
	r := Receipt{
		TxID:       uuid.NewString(),
		Recipient:  req.Recipient,
		Amount:     req.Amount,
		ExecutedAt: time.Now().UTC(),
	}
	t.receipts = append(t.receipts, r)

	log.WithFields(log.Fields{
		"withdrawal": req.WithdrawalID,
		"recipient":  req.Recipient,
		"amount":     req.Amount,
		"tx":         r.TxID,
	}).Debug("treasury: payout executed")
	return &r, nil
}

func (t *Treasury) Abort(ctx context.Context, h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reserved[h.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	delete(t.reserved, h.ID)
	return nil
}

// Paid returns the total executed to recipient.
func (t *Treasury) Paid(recipient domain.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paid[recipient]
}

// Reserved returns the number of outstanding reservations.
func (t *Treasury) Reserved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reserved)
}

func (t *Treasury) Receipts() []Receipt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Receipt{}, t.receipts...)
}
