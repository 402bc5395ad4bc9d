// Package pricefeed decodes and validates caller-supplied price updates and
// converts settlement amounts into the reference currency.
//
// The adapter performs no network I/O: callers fetch updates (for example
// from a Hermes endpoint) and hand over the raw bytes. Guardian signatures
// and merkle proofs carried in accumulator envelopes are not verified here.
package pricefeed

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultMaxAge           = 60 * time.Second
	DefaultMaxConfidenceBps = 200
)

type Config struct {
	// FeedID is the 32-byte hex id of the reference-currency feed.
	FeedID string
	// Source identifies the price publisher; informational only.
	Source domain.Address
	// MaxAge bounds the distance between a publish time and the time it is
	// consumed, in either direction.
	MaxAge time.Duration
	// MaxConfidenceBps caps confidence/price in basis points. Zero disables the check.
	MaxConfidenceBps uint64
	// NativeDecimals and ReferenceDecimals give the number of smallest units
	// per whole unit as powers of ten.
	NativeDecimals    int32
	ReferenceDecimals int32
}

type Adapter struct {
	cfg    Config
	feedID [32]byte
}

func New(cfg Config) (*Adapter, error) {
	id, err := DecodeHex(cfg.FeedID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("invalid price feed id %q", cfg.FeedID)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	a := &Adapter{cfg: cfg}
	copy(a.feedID[:], id)
	return a, nil
}

// FeedID returns the configured feed id as 0x-prefixed hex.
func (a *Adapter) FeedID() string {
	return Message{FeedID: a.feedID}.FeedIDHex()
}

func (a *Adapter) Source() domain.Address {
	return a.cfg.Source
}

// DecodeAndValidate decodes a single update and checks it against the
// freshness and confidence bounds at time now.
func (a *Adapter) DecodeAndValidate(raw []byte, now time.Time) (*domain.PriceQuote, error) {
	return a.Quote([][]byte{raw}, now)
}

// Quote picks the configured feed out of a batch of updates and validates it.
// Every blob in the batch must decode.
func (a *Adapter) Quote(updates [][]byte, now time.Time) (*domain.PriceQuote, error) {
	var (
		found bool
		match Message
	)
	for _, raw := range updates {
		msgs, err := decodeUpdate(raw)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if bytes.Equal(m.FeedID[:], a.feedID[:]) && (!found || m.PublishTime > match.PublishTime) {
				match, found = m, true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no update for feed %s", domain.ErrMalformedUpdate, a.FeedID())
	}
	if err := a.validate(match, now); err != nil {
		return nil, err
	}

	return &domain.PriceQuote{
		FeedID:          match.FeedIDHex(),
		Price:           match.Price,
		Confidence:      match.Confidence,
		Exponent:        match.Exponent,
		PublishTime:     time.Unix(match.PublishTime, 0).UTC(),
		PrevPublishTime: time.Unix(match.PrevPublishTime, 0).UTC(),
		EMAPrice:        match.EMAPrice,
		EMAConfidence:   match.EMAConfidence,
	}, nil
}

func (a *Adapter) validate(m Message, now time.Time) error {
	if m.Price <= 0 {
		return fmt.Errorf("%w: non-positive price %d", domain.ErrMalformedUpdate, m.Price)
	}
	// Compared in whole seconds against bounds derived from now, so extreme
	// publish times cannot overflow the difference.
	nowSec, window := now.Unix(), int64(a.cfg.MaxAge/time.Second)
	switch {
	case m.PublishTime < nowSec-window:
		return fmt.Errorf("%w: published %ds ago, limit %s", domain.ErrStalePrice, nowSec-m.PublishTime, a.cfg.MaxAge)
	case m.PublishTime > nowSec+window:
		return fmt.Errorf("%w: published %ds in the future, limit %s", domain.ErrStalePrice, m.PublishTime-nowSec, a.cfg.MaxAge)
	}
	if a.cfg.MaxConfidenceBps > 0 {
		conf := uintDecimal(m.Confidence).Mul(decimal.NewFromInt(10_000))
		ceiling := decimal.NewFromInt(m.Price).Mul(uintDecimal(a.cfg.MaxConfidenceBps))
		if conf.GreaterThan(ceiling) {
			return fmt.Errorf("%w: confidence %d on price %d exceeds %d bps", domain.ErrLowConfidence, m.Confidence, m.Price, a.cfg.MaxConfidenceBps)
		}
	}
	return nil
}

// ToReferenceCurrency converts amount (native smallest units) into reference
// currency smallest units, rounding down.
func (a *Adapter) ToReferenceCurrency(amount uint64, q domain.PriceQuote) decimal.Decimal {
	return uintDecimal(amount).
		Mul(q.Value()).
		Shift(a.cfg.ReferenceDecimals - a.cfg.NativeDecimals).
		Floor()
}

func uintDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
