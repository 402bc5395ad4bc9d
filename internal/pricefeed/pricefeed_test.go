package pricefeed

import (
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testFeedID = "0x3728e591097635310e6341af53db8b7ee42da9b3a8d918f9463ce9cca886dfbd"

var testNow = time.Unix(1_760_000_000, 0)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		FeedID:            testFeedID,
		MaxAge:            time.Minute,
		MaxConfidenceBps:  200,
		NativeDecimals:    8,
		ReferenceDecimals: 6,
	})
	require.NoError(t, err)
	return a
}

func testMessage(t *testing.T, price int64, conf uint64, publish time.Time) Message {
	t.Helper()
	id, err := DecodeHex(testFeedID)
	require.NoError(t, err)
	m := Message{
		Price:           price,
		Confidence:      conf,
		Exponent:        -8,
		PublishTime:     publish.Unix(),
		PrevPublishTime: publish.Unix() - 1,
		EMAPrice:        price,
		EMAConfidence:   conf,
	}
	copy(m.FeedID[:], id)
	return m
}

func TestDecodeAndValidate(t *testing.T) {
	a := newTestAdapter(t)

	// 0.25 USD per unit, 0.1% confidence.
	m := testMessage(t, 25_000_000, 25_000, testNow.Add(-10*time.Second))

	t.Run("bare message", func(t *testing.T) {
		q, err := a.DecodeAndValidate(EncodeMessage(m), testNow)
		require.NoError(t, err)
		require.Equal(t, testFeedID, q.FeedID)
		require.Equal(t, int64(25_000_000), q.Price)
		require.Equal(t, int32(-8), q.Exponent)
		require.Equal(t, m.PublishTime, q.PublishTime.Unix())
		require.True(t, decimal.RequireFromString("0.25").Equal(q.Value()))
	})

	t.Run("accumulator envelope", func(t *testing.T) {
		other := m
		other.FeedID[0] ^= 0xff
		raw := EncodeAccumulator(EncodeMessage(other), EncodeMessage(m))
		q, err := a.DecodeAndValidate(raw, testNow)
		require.NoError(t, err)
		require.Equal(t, int64(25_000_000), q.Price)
	})

	t.Run("stale", func(t *testing.T) {
		old := testMessage(t, 25_000_000, 25_000, testNow.Add(-2*time.Minute))
		_, err := a.DecodeAndValidate(EncodeMessage(old), testNow)
		require.ErrorIs(t, err, domain.ErrStalePrice)
		require.True(t, domain.IsRetryable(err))
	})

	t.Run("future", func(t *testing.T) {
		ahead := testMessage(t, 25_000_000, 25_000, testNow.Add(2*time.Minute))
		_, err := a.DecodeAndValidate(EncodeMessage(ahead), testNow)
		require.ErrorIs(t, err, domain.ErrStalePrice)

		far := m
		far.PublishTime = 1 << 62
		_, err = a.DecodeAndValidate(EncodeMessage(far), testNow)
		require.ErrorIs(t, err, domain.ErrStalePrice)

		distant := m
		distant.PublishTime = math.MinInt64
		_, err = a.DecodeAndValidate(EncodeMessage(distant), testNow)
		require.ErrorIs(t, err, domain.ErrStalePrice)
	})

	t.Run("window edges are accepted", func(t *testing.T) {
		for _, at := range []time.Time{testNow.Add(-time.Minute), testNow.Add(time.Minute)} {
			_, err := a.DecodeAndValidate(EncodeMessage(testMessage(t, 25_000_000, 25_000, at)), testNow)
			require.NoError(t, err)
		}
	})

	t.Run("low confidence", func(t *testing.T) {
		wide := testMessage(t, 25_000_000, 600_000, testNow)
		_, err := a.DecodeAndValidate(EncodeMessage(wide), testNow)
		require.ErrorIs(t, err, domain.ErrLowConfidence)
	})

	t.Run("confidence at ceiling is accepted", func(t *testing.T) {
		edge := testMessage(t, 25_000_000, 500_000, testNow)
		_, err := a.DecodeAndValidate(EncodeMessage(edge), testNow)
		require.NoError(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		cases := map[string][]byte{
			"empty":          nil,
			"truncated":      EncodeMessage(m)[:40],
			"wrong type":     append([]byte{7}, EncodeMessage(m)[1:]...),
			"bad envelope":   EncodeAccumulator(EncodeMessage(m))[:20],
			"wrong feed":     func() []byte { o := m; o.FeedID[5] ^= 1; return EncodeMessage(o) }(),
			"negative price": EncodeMessage(testMessage(t, -1, 0, testNow)),
		}
		for name, raw := range cases {
			_, err := a.DecodeAndValidate(raw, testNow)
			require.ErrorIs(t, err, domain.ErrMalformedUpdate, name)
		}
	})
}

func TestQuotePicksNewestMatchingUpdate(t *testing.T) {
	a := newTestAdapter(t)
	older := testMessage(t, 20_000_000, 0, testNow.Add(-30*time.Second))
	newer := testMessage(t, 30_000_000, 0, testNow.Add(-5*time.Second))

	q, err := a.Quote([][]byte{EncodeMessage(older), EncodeAccumulator(EncodeMessage(newer))}, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(30_000_000), q.Price)

	_, err = a.Quote([][]byte{EncodeMessage(newer), []byte("junk")}, testNow)
	require.ErrorIs(t, err, domain.ErrMalformedUpdate)
}

func TestToReferenceCurrency(t *testing.T) {
	a := newTestAdapter(t)
	q := domain.PriceQuote{Price: 25_000_000, Exponent: -8}

	// 100 units of 10^-8 at 0.25 USD is 2.5e-7 USD, which floors to 0 micro-USD.
	require.True(t, decimal.Zero.Equal(a.ToReferenceCurrency(100, q)))

	// 1 whole unit (10^8) at 0.25 USD is 250000 micro-USD.
	require.Equal(t, "250000", a.ToReferenceCurrency(100_000_000, q).String())

	// Floors rather than rounds: 3 units * 0.33333333 = 0.99999999 -> 999999.
	q = domain.PriceQuote{Price: 33_333_333, Exponent: -8}
	require.Equal(t, "999999", a.ToReferenceCurrency(300_000_000, q).String())

	// No overflow at the largest representable deposit.
	q = domain.PriceQuote{Price: math.MaxInt64, Exponent: 0}
	got := a.ToReferenceCurrency(math.MaxUint64, q)
	want := decimal.RequireFromString("18446744073709551615").
		Mul(decimal.NewFromInt(math.MaxInt64)).
		Shift(-2)
	require.True(t, want.Floor().Equal(got))
}

func TestNewRejectsBadFeedID(t *testing.T) {
	_, err := New(Config{FeedID: "0x1234"})
	require.Error(t, err)
	_, err = New(Config{FeedID: "zz" + hex.EncodeToString(make([]byte, 31))})
	require.Error(t, err)
}

func TestDecodeHex(t *testing.T) {
	b, err := DecodeHex("0xabCD")
	require.NoError(t, err)
	require.Equal(t, []byte{0xab, 0xcd}, b)
	_, err = DecodeHex("xyz")
	require.ErrorIs(t, err, domain.ErrMalformedUpdate)
}
