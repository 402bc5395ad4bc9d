package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// NewRouter wires the settlement API, /health and /metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(instrument)
	apiV1.HandleFunc("/config", h.ConfigHandler).Methods("GET")
	apiV1.HandleFunc("/deposits", h.CreateDepositHandler).Methods("POST")
	apiV1.HandleFunc("/deposits/{user}", h.GetDepositHandler).Methods("GET")
	apiV1.HandleFunc("/deposits/{user}/available", h.GetAvailableHandler).Methods("GET")
	apiV1.HandleFunc("/deposits/{user}/withdrawals", h.GetWithdrawalsHandler).Methods("GET")
	apiV1.HandleFunc("/goals/attest", h.AttestHandler).Methods("POST")
	apiV1.HandleFunc("/goals/{user}", h.GetGoalsHandler).Methods("GET")
	apiV1.HandleFunc("/goals/{user}/summary", h.GetSummaryHandler).Methods("GET")
	apiV1.HandleFunc("/withdrawals", h.WithdrawHandler).Methods("POST")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument labels request metrics with the route template so per-user
// paths collapse into one series.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
