package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DepositRequest is the payload for escrowing funds against step goals.
type DepositRequest struct {
	Amount uint64   `json:"amount,string"`
	Goals  []uint64 `json:"goals"`
}

// AttestRequest is sent by the oracle to resolve one goal.
type AttestRequest struct {
	User      string `json:"user"`
	GoalIndex uint64 `json:"goal_index"`
	Success   bool   `json:"success"`
}

// WithdrawRequest carries hex price update blobs. Without any, the
// withdrawal settles without a reference value.
type WithdrawRequest struct {
	PriceUpdates []string `json:"price_updates,omitempty"`
}

type DepositResponse struct {
	User        string    `json:"user"`
	TotalAmount uint64    `json:"total_amount,string"`
	Withdrawn   uint64    `json:"withdrawn,string"`
	Available   uint64    `json:"available,string"`
	GoalCount   uint64    `json:"goal_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type GoalResponse struct {
	Index      uint64     `json:"index"`
	Target     uint64     `json:"target"`
	Status     string     `json:"status"`
	AttestedAt *time.Time `json:"attested_at,omitempty"`
}

type SummaryResponse struct {
	User        string `json:"user"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	Pending     uint64 `json:"pending"`
	Total       uint64 `json:"total"`
	Entitlement uint64 `json:"entitlement,string"`
}

type AvailableResponse struct {
	User      string `json:"user"`
	Available uint64 `json:"available,string"`
}

type WithdrawalResponse struct {
	ID               string          `json:"id"`
	User             string          `json:"user"`
	Amount           uint64          `json:"amount,string"`
	USDValue         decimal.Decimal `json:"usd_value"`
	PriceAvailable   bool            `json:"price_available"`
	PriceFeedID      string          `json:"price_feed_id,omitempty"`
	PricePublishTime *time.Time      `json:"price_publish_time,omitempty"`
	PayoutTxID       string          `json:"payout_tx_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ConfigResponse exposes the identities the service was started with.
type ConfigResponse struct {
	Oracle         string `json:"oracle"`
	PriceSource    string `json:"price_source"`
	PriceFeedID    string `json:"price_feed_id"`
	ReferenceAsset string `json:"reference_asset"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
}
