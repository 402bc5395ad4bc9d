package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/models"
	"github.com/punchamoorthee/goalescrow/internal/payout"
	"github.com/punchamoorthee/goalescrow/internal/pricefeed"
	"github.com/punchamoorthee/goalescrow/internal/service"
	"github.com/punchamoorthee/goalescrow/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testFeedID = "0xf2ef5dc6156e6cdccda6c315f3fc6de2bf37e9aecbc9b5efc51de98096c3e7c6"
	oracleAddr = "0xoracle"
	aliceAddr  = "0xa11ce"
)

var testNow = time.Unix(1_760_000_000, 0)

func newTestRouter(t *testing.T) (*mux.Router, *payout.Treasury) {
	t.Helper()
	prices, err := pricefeed.New(pricefeed.Config{
		FeedID:            testFeedID,
		MaxConfidenceBps:  200,
		NativeDecimals:    8,
		ReferenceDecimals: 6,
	})
	require.NoError(t, err)
	treasury := payout.NewTreasury()
	engine, err := service.NewEngine(store.NewMemoryStore(), service.Config{
		Authorizer: service.SingleOracle(oracleAddr),
		Prices:     prices,
		Payout:     treasury,
		Clock:      func() time.Time { return testNow },
	})
	require.NoError(t, err)

	h := NewHandler(engine, models.ConfigResponse{
		Oracle:         oracleAddr,
		PriceFeedID:    prices.FeedID(),
		ReferenceAsset: "USD",
	})
	return NewRouter(h), treasury
}

func do(t *testing.T, r http.Handler, method, path, caller string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func priceUpdateHex(t *testing.T, publish time.Time) string {
	t.Helper()
	id, err := pricefeed.DecodeHex(testFeedID)
	require.NoError(t, err)
	m := pricefeed.Message{Price: 25_000_000, Confidence: 10_000, Exponent: -8, PublishTime: publish.Unix()}
	copy(m.FeedID[:], id)
	return "0x" + hex.EncodeToString(pricefeed.EncodeAccumulator(pricefeed.EncodeMessage(m)))
}

func TestSettlementFlow(t *testing.T) {
	r, treasury := newTestRouter(t)

	rr := do(t, r, "POST", "/api/v1/deposits", aliceAddr, map[string]any{"amount": "400000000", "goals": []uint64{50000, 80000}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	dep := decode[models.DepositResponse](t, rr)
	require.Equal(t, uint64(400_000_000), dep.TotalAmount)
	require.Equal(t, uint64(2), dep.GoalCount)
	require.Equal(t, "/api/v1/deposits/"+aliceAddr, rr.Header().Get("Location"))

	rr = do(t, r, "POST", "/api/v1/goals/attest", oracleAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 0, Success: true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "succeeded", decode[models.GoalResponse](t, rr).Status)

	rr = do(t, r, "GET", "/api/v1/goals/"+aliceAddr+"/summary", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sum := decode[models.SummaryResponse](t, rr)
	require.Equal(t, uint64(1), sum.Succeeded)
	require.Equal(t, uint64(1), sum.Pending)
	require.Equal(t, uint64(200_000_000), sum.Entitlement)

	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, models.WithdrawRequest{
		PriceUpdates: []string{priceUpdateHex(t, testNow.Add(-10*time.Second))},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	wd := decode[models.WithdrawalResponse](t, rr)
	require.Equal(t, uint64(200_000_000), wd.Amount)
	require.True(t, wd.PriceAvailable)
	require.Equal(t, "500000", wd.USDValue.String())
	require.Equal(t, uint64(200_000_000), treasury.Paid(aliceAddr))

	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "nothing_to_withdraw", decode[models.ErrorResponse](t, rr).Kind)

	rr = do(t, r, "GET", "/api/v1/deposits/"+aliceAddr+"/available", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, uint64(200_000_000), decode[models.AvailableResponse](t, rr).Available)

	rr = do(t, r, "GET", "/api/v1/deposits/"+aliceAddr+"/withdrawals", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[[]models.WithdrawalResponse](t, rr), 1)

	rr = do(t, r, "GET", "/api/v1/goals/"+aliceAddr, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	goals := decode[[]models.GoalResponse](t, rr)
	require.Len(t, goals, 2)
	require.NotNil(t, goals[0].AttestedAt)
	require.Equal(t, "pending", goals[1].Status)
}

func TestErrorMapping(t *testing.T) {
	r, _ := newTestRouter(t)

	rr := do(t, r, "POST", "/api/v1/deposits", "", map[string]any{"amount": "1", "goals": []uint64{1}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, r, "POST", "/api/v1/deposits", aliceAddr, map[string]any{"amount": "0", "goals": []uint64{1}})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "invalid_deposit", decode[models.ErrorResponse](t, rr).Kind)

	rr = do(t, r, "GET", "/api/v1/deposits/0xnobody", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "unknown_user", decode[models.ErrorResponse](t, rr).Kind)

	rr = do(t, r, "POST", "/api/v1/deposits", aliceAddr, map[string]any{"amount": "100", "goals": []uint64{1}})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, r, "POST", "/api/v1/goals/attest", aliceAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 0, Success: true})
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "unauthorized", decode[models.ErrorResponse](t, rr).Kind)

	rr = do(t, r, "POST", "/api/v1/goals/attest", oracleAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 7, Success: true})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, r, "POST", "/api/v1/goals/attest", oracleAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 0, Success: true})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, r, "POST", "/api/v1/goals/attest", oracleAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 0, Success: false})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "already_attested", decode[models.ErrorResponse](t, rr).Kind)

	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, models.WithdrawRequest{
		PriceUpdates: []string{priceUpdateHex(t, testNow.Add(-time.Hour))},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	stale := decode[models.ErrorResponse](t, rr)
	require.Equal(t, "stale_price", stale.Kind)
	require.True(t, stale.Retryable)

	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, models.WithdrawRequest{PriceUpdates: []string{"0xzz"}})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "malformed_update", decode[models.ErrorResponse](t, rr).Kind)

	req := httptest.NewRequest("POST", "/api/v1/goals/attest", bytes.NewBufferString("{"))
	req.Header.Set(CallerHeader, oracleAddr)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentReplay(t *testing.T) {
	r, treasury := newTestRouter(t)

	body := map[string]any{"amount": "100", "goals": []uint64{1}}
	first := do(t, r, "POST", "/api/v1/deposits", aliceAddr, body, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusCreated, first.Code)
	replay := do(t, r, "POST", "/api/v1/deposits", aliceAddr, body, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	rr := do(t, r, "GET", "/api/v1/deposits/"+aliceAddr, "", nil)
	require.Equal(t, uint64(100), decode[models.DepositResponse](t, rr).TotalAmount)

	rr = do(t, r, "POST", "/api/v1/deposits", aliceAddr, map[string]any{"amount": "5", "goals": []uint64{1}}, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "idempotency_mismatch", decode[models.ErrorResponse](t, rr).Kind)

	// A failed request releases its key.
	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, nil, "Idempotency-Key", "wd-1")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = do(t, r, "POST", "/api/v1/goals/attest", oracleAddr, models.AttestRequest{User: aliceAddr, GoalIndex: 0, Success: true})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, nil, "Idempotency-Key", "wd-1")
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, r, "POST", "/api/v1/withdrawals", aliceAddr, nil, "Idempotency-Key", "wd-1")
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, uint64(100), treasury.Paid(domain.NewAddress(aliceAddr)))
}

func TestIdempotencyCacheEvicts(t *testing.T) {
	c := newIdempotencyCache(2)
	for _, k := range []string{"a", "b", "c"} {
		rec, err := c.begin(k, "h")
		require.NoError(t, err)
		require.Nil(t, rec)
		c.complete(k, http.StatusCreated, []byte(`{}`))
	}
	rec, err := c.begin("a", "other")
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = c.begin("a", "other")
	require.ErrorIs(t, err, ErrIdempotencyConflict)
	c.release("a")

	rec, err = c.begin("c", "h")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, rec.ResponseStatus)
}

func TestConfigAndHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	rr := do(t, r, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, r, "GET", "/api/v1/config", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cfg := decode[models.ConfigResponse](t, rr)
	require.Equal(t, oracleAddr, cfg.Oracle)
	require.Equal(t, testFeedID, cfg.PriceFeedID)
}
