package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/goalescrow/internal/api"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/models"
	"github.com/punchamoorthee/goalescrow/internal/payout"
	"github.com/punchamoorthee/goalescrow/internal/service"
	"github.com/punchamoorthee/goalescrow/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	oracleAddr = "0xoracle"
	aliceAddr  = "0xa11ce"
)

// newSettlementAPI serves a real engine with one deposit of two goals.
func newSettlementAPI(t *testing.T) (*httptest.Server, *service.Engine) {
	t.Helper()
	engine, err := service.NewEngine(store.NewMemoryStore(), service.Config{
		Authorizer: service.SingleOracle(oracleAddr),
		Payout:     payout.NewTreasury(),
	})
	require.NoError(t, err)
	_, err = engine.RecordDeposit(context.Background(), aliceAddr, 100, []uint64{8000, 10000})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(engine, models.ConfigResponse{Oracle: oracleAddr})))
	t.Cleanup(srv.Close)
	return srv, engine
}

func newTestClient(baseURL string, caller domain.Address) *APIClient {
	c := NewAPIClient(baseURL, caller)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func postMarkGoal(t *testing.T, h http.Handler, req any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/mark-goal", bytes.NewReader(body)))
	return rr
}

func TestMarkGoalRelaysToSettlement(t *testing.T) {
	srv, engine := newSettlementAPI(t)
	router := NewRouter(NewRelay(newTestClient(srv.URL, oracleAddr)))

	rr := postMarkGoal(t, router, MarkGoalRequest{User: aliceAddr, GoalIndex: 0, Steps: 9000, StepTarget: 8000})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp MarkGoalResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "Goal marked", resp.Status)
	require.True(t, resp.Success)
	require.Equal(t, "succeeded", resp.Goal.Status)

	rr = postMarkGoal(t, router, MarkGoalRequest{User: aliceAddr, GoalIndex: 1, Steps: 9999, StepTarget: 10000})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Success)

	summary, err := engine.OutcomeSummary(context.Background(), aliceAddr)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSummary{Succeeded: 1, Failed: 1, Total: 2}, summary)

	// The settlement API's rejection is passed through.
	rr = postMarkGoal(t, router, MarkGoalRequest{User: aliceAddr, GoalIndex: 1, Steps: 1, StepTarget: 1})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestMarkGoalRejectsBadInput(t *testing.T) {
	router := NewRouter(NewRelay(nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/mark-goal", bytes.NewBufferString("not json")))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postMarkGoal(t, router, MarkGoalRequest{GoalIndex: 0, Steps: 1, StepTarget: 1})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPIClientErrors(t *testing.T) {
	srv, _ := newSettlementAPI(t)

	_, err := newTestClient(srv.URL, "0xmallory").MarkGoal(context.Background(), aliceAddr, 0, true)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "unauthorized", apiErr.Kind)

	_, err = newTestClient(srv.URL, oracleAddr).MarkGoal(context.Background(), aliceAddr, 5, true)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestAPIClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, oracleAddr, r.Header.Get(api.CallerHeader))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.GoalResponse{Index: 0, Status: "failed"})
	}))
	defer srv.Close()

	g, err := newTestClient(srv.URL, oracleAddr).MarkGoal(context.Background(), aliceAddr, 0, false)
	require.NoError(t, err)
	require.Equal(t, "failed", g.Status)
	require.Equal(t, int32(3), calls.Load())
}
