package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies a participant (depositor, oracle, price source).
// Addresses are compared case-insensitively, so always build them with NewAddress.
type Address string

func NewAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

func (a Address) String() string { return string(a) }

func (a Address) IsZero() bool { return a == "" }

// GoalStatus is the tri-state outcome of a goal commitment.
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalSucceeded GoalStatus = "succeeded"
	GoalFailed    GoalStatus = "failed"
)

// Deposit holds a user's escrowed balance.
// Withdrawn never exceeds TotalAmount.
type Deposit struct {
	User        Address   `json:"user"`
	TotalAmount uint64    `json:"total_amount"`
	Withdrawn   uint64    `json:"withdrawn"`
	GoalCount   uint64    `json:"goal_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available returns the escrowed amount not yet paid out.
func (d Deposit) Available() uint64 {
	return d.TotalAmount - d.Withdrawn
}

// ApplyWithdrawal advances Withdrawn by amount.
func (d *Deposit) ApplyWithdrawal(amount uint64) error {
	if amount > d.Available() {
		return ErrInsufficientBalance
	}
	d.Withdrawn += amount
	return nil
}

// GoalCommitment is a target declared at deposit time. Target is immutable;
// Status moves from GoalPending to a final state exactly once.
type GoalCommitment struct {
	User       Address    `json:"user"`
	Index      uint64     `json:"index"`
	Target     uint64     `json:"target"`
	Status     GoalStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AttestedAt *time.Time `json:"attested_at,omitempty"`
}

// Resolve records the oracle's verdict on a pending commitment.
func (g *GoalCommitment) Resolve(success bool, at time.Time) error {
	if g.Status != GoalPending {
		return ErrAlreadyAttested
	}
	if success {
		g.Status = GoalSucceeded
	} else {
		g.Status = GoalFailed
	}
	g.AttestedAt = &at
	return nil
}

// OutcomeSummary counts a user's commitments by status.
type OutcomeSummary struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Pending   uint64 `json:"pending"`
	Total     uint64 `json:"total"`
}

func Summarize(goals []GoalCommitment) OutcomeSummary {
	var s OutcomeSummary
	for _, g := range goals {
		switch g.Status {
		case GoalSucceeded:
			s.Succeeded++
		case GoalFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	s.Total = uint64(len(goals))
	return s
}

// Resolved reports whether every commitment has been attested.
func (s OutcomeSummary) Resolved() bool {
	return s.Pending == 0
}

// PriceQuote is a decoded price feed update. Price is scaled by 10^Exponent.
type PriceQuote struct {
	FeedID          string    `json:"feed_id"`
	Price           int64     `json:"price"`
	Confidence      uint64    `json:"confidence"`
	Exponent        int32     `json:"exponent"`
	PublishTime     time.Time `json:"publish_time"`
	PrevPublishTime time.Time `json:"prev_publish_time"`
	EMAPrice        int64     `json:"ema_price"`
	EMAConfidence   uint64    `json:"ema_confidence"`
}

// Value returns the quoted price as an exact decimal.
func (q PriceQuote) Value() decimal.Decimal {
	return decimal.New(q.Price, q.Exponent)
}

// Withdrawal is the settlement record of one successful payout.
type Withdrawal struct {
	ID               string          `json:"id"`
	User             Address         `json:"user"`
	Amount           uint64          `json:"amount"`
	USDValue         decimal.Decimal `json:"usd_value"`
	PriceAvailable   bool            `json:"price_available"`
	PriceFeedID      string          `json:"price_feed_id,omitempty"`
	PricePublishTime *time.Time      `json:"price_publish_time,omitempty"`
	PayoutTxID       string          `json:"payout_tx_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
