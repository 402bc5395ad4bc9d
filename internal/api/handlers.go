package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/models"
	"github.com/punchamoorthee/goalescrow/internal/pricefeed"
	"github.com/punchamoorthee/goalescrow/internal/service"
	log "github.com/sirupsen/logrus"
)

// CallerHeader carries the identity of the caller. Authentication of that
// identity happens in front of this service.
const CallerHeader = "X-Caller-Address"

// Settlement is the engine surface the handlers drive.
type Settlement interface {
	RecordDeposit(ctx context.Context, user domain.Address, amount uint64, targets []uint64) (*domain.Deposit, error)
	Attest(ctx context.Context, caller, user domain.Address, index uint64, success bool) (*domain.GoalCommitment, error)
	WithdrawWithPrice(ctx context.Context, user domain.Address, updates [][]byte) (*domain.Withdrawal, error)
	WithdrawWithoutPrice(ctx context.Context, user domain.Address) (*domain.Withdrawal, error)
	Deposit(ctx context.Context, user domain.Address) (*domain.Deposit, error)
	AvailableToWithdraw(ctx context.Context, user domain.Address) (uint64, error)
	OutcomeSummary(ctx context.Context, user domain.Address) (domain.OutcomeSummary, error)
	Entitlement(ctx context.Context, user domain.Address) (uint64, error)
	Goals(ctx context.Context, user domain.Address) ([]domain.GoalCommitment, error)
	Withdrawals(ctx context.Context, user domain.Address) ([]domain.Withdrawal, error)
}

type Handler struct {
	engine Settlement
	info   models.ConfigResponse
	idem   *idempotencyCache
}

func NewHandler(engine Settlement, info models.ConfigResponse) *Handler {
	return &Handler{engine: engine, info: info, idem: newIdempotencyCache(defaultIdempotencyLimit)}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.info)
}

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	h.idempotent(w, r, caller, func(body []byte) (int, any, error) {
		var req models.DepositRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, errBadRequest
		}
		d, err := h.engine.RecordDeposit(r.Context(), caller, req.Amount, req.Goals)
		if err != nil {
			return 0, nil, err
		}
		w.Header().Set("Location", fmt.Sprintf("/api/v1/deposits/%s", caller))
		return http.StatusCreated, depositResponse(d), nil
	})
}

func (h *Handler) AttestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	h.idempotent(w, r, caller, func(body []byte) (int, any, error) {
		var req models.AttestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, errBadRequest
		}
		g, err := h.engine.Attest(r.Context(), caller, domain.NewAddress(req.User), req.GoalIndex, req.Success)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, goalResponse(*g), nil
	})
}

// WithdrawHandler settles for the caller's own deposit. Price updates in the
// body select the priced path.
func (h *Handler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	h.idempotent(w, r, caller, func(body []byte) (int, any, error) {
		var req models.WithdrawRequest
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return 0, nil, errBadRequest
			}
		}

		var (
			wd  *domain.Withdrawal
			err error
		)
		if len(req.PriceUpdates) == 0 {
			wd, err = h.engine.WithdrawWithoutPrice(r.Context(), caller)
		} else {
			updates := make([][]byte, 0, len(req.PriceUpdates))
			for _, s := range req.PriceUpdates {
				raw, err := pricefeed.DecodeHex(s)
				if err != nil {
					return 0, nil, err
				}
				updates = append(updates, raw)
			}
			wd, err = h.engine.WithdrawWithPrice(r.Context(), caller, updates)
		}
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, withdrawalResponse(*wd), nil
	})
}

func (h *Handler) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Deposit(r.Context(), userVar(r))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, depositResponse(d))
}

func (h *Handler) GetAvailableHandler(w http.ResponseWriter, r *http.Request) {
	user := userVar(r)
	avail, err := h.engine.AvailableToWithdraw(r.Context(), user)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.AvailableResponse{User: user.String(), Available: avail})
}

func (h *Handler) GetWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	history, err := h.engine.Withdrawals(r.Context(), userVar(r))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	out := make([]models.WithdrawalResponse, 0, len(history))
	for _, wd := range history {
		out = append(out, withdrawalResponse(wd))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetGoalsHandler(w http.ResponseWriter, r *http.Request) {
	goals, err := h.engine.Goals(r.Context(), userVar(r))
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	out := make([]models.GoalResponse, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalResponse(g))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	user := userVar(r)
	s, err := h.engine.OutcomeSummary(r.Context(), user)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	ent, err := h.engine.Entitlement(r.Context(), user)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.SummaryResponse{
		User:        user.String(),
		Succeeded:   s.Succeeded,
		Failed:      s.Failed,
		Pending:     s.Pending,
		Total:       s.Total,
		Entitlement: ent,
	})
}

var errBadRequest = errors.New("malformed JSON body")

// idempotent runs fn once per Idempotency-Key. A replay with the same body
// returns the stored response; requests without a key always run.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, caller domain.Address, fn func(body []byte) (int, any, error)) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error", "internal", false)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		hash := sha256.Sum256(body)
		key = caller.String() + " " + r.URL.Path + " " + key

		existing, err := h.idem.begin(key, hex.EncodeToString(hash[:]))
		switch {
		case errors.Is(err, ErrIdempotencyConflict):
			respondWithError(w, http.StatusConflict, "Request processing in progress", "idempotency_conflict", true)
			return
		case errors.Is(err, ErrIdempotencyMismatch):
			respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", "idempotency_mismatch", false)
			return
		case existing != nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.ResponseStatus)
			w.Write(existing.ResponseBody)
			return
		}
	}

	status, payload, err := fn(body)
	if err != nil {
		if key != "" {
			h.idem.release(key)
		}
		respondWithDomainError(w, err)
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		if key != "" {
			h.idem.release(key)
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "internal", false)
		return
	}
	if key != "" {
		h.idem.complete(key, status, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	caller := domain.NewAddress(r.Header.Get(CallerHeader))
	if caller.IsZero() {
		respondWithError(w, http.StatusUnauthorized, "Missing "+CallerHeader+" header", "unauthorized", false)
		return "", false
	}
	return caller, true
}

func userVar(r *http.Request) domain.Address {
	return domain.NewAddress(mux.Vars(r)["user"])
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownUser), errors.Is(err, domain.ErrUnknownGoal):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyAttested):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidDeposit),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrNothingToWithdraw),
		errors.Is(err, domain.ErrMalformedUpdate),
		errors.Is(err, domain.ErrStalePrice),
		errors.Is(err, domain.ErrLowConfidence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrPayoutFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondWithDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	kind := domain.Kind(err)
	msg := err.Error()
	retryable := domain.IsRetryable(err)
	switch {
	case errors.Is(err, errBadRequest):
		kind = "bad_request"
	case errors.Is(err, service.ErrPayoutFailed):
		// The withdrawal was reverted, so the caller may try again.
		kind = "payout_failed"
		retryable = true
	case code == http.StatusInternalServerError:
		log.WithError(err).Error("request failed")
		msg = "Internal Server Error"
	}
	respondWithError(w, code, msg, kind, retryable)
}

func respondWithError(w http.ResponseWriter, code int, message, kind string, retryable bool) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message, Kind: kind, Retryable: retryable})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func depositResponse(d *domain.Deposit) models.DepositResponse {
	return models.DepositResponse{
		User:        d.User.String(),
		TotalAmount: d.TotalAmount,
		Withdrawn:   d.Withdrawn,
		Available:   d.Available(),
		GoalCount:   d.GoalCount,
		UpdatedAt:   d.UpdatedAt,
	}
}

func goalResponse(g domain.GoalCommitment) models.GoalResponse {
	return models.GoalResponse{
		Index:      g.Index,
		Target:     g.Target,
		Status:     string(g.Status),
		AttestedAt: g.AttestedAt,
	}
}

func withdrawalResponse(wd domain.Withdrawal) models.WithdrawalResponse {
	return models.WithdrawalResponse{
		ID:               wd.ID,
		User:             wd.User.String(),
		Amount:           wd.Amount,
		USDValue:         wd.USDValue,
		PriceAvailable:   wd.PriceAvailable,
		PriceFeedID:      wd.PriceFeedID,
		PricePublishTime: wd.PricePublishTime,
		PayoutTxID:       wd.PayoutTxID,
		CreatedAt:        wd.CreatedAt,
	}
}
