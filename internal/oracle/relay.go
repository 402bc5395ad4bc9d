// Package oracle turns step-count reports into goal attestations on the
// settlement API.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/models"
	log "github.com/sirupsen/logrus"
)

type Attester interface {
	MarkGoal(ctx context.Context, user domain.Address, index uint64, success bool) (*models.GoalResponse, error)
}

// MarkGoalRequest is a step report for one goal.
type MarkGoalRequest struct {
	User       string `json:"user"`
	GoalIndex  uint64 `json:"goalIndex"`
	Steps      uint64 `json:"steps"`
	StepTarget uint64 `json:"stepTarget"`
}

type MarkGoalResponse struct {
	Status  string               `json:"status"`
	Success bool                 `json:"success"`
	Goal    *models.GoalResponse `json:"goal,omitempty"`
}

type Relay struct {
	attester Attester
}

func NewRelay(a Attester) *Relay {
	return &Relay{attester: a}
}

func NewRouter(relay *Relay) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/mark-goal", relay.MarkGoalHandler).Methods("POST")
	return r
}

// MarkGoalHandler attests success when the reported steps reach the target.
func (rl *Relay) MarkGoalHandler(w http.ResponseWriter, r *http.Request) {
	var req MarkGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Malformed JSON body", Kind: "bad_request"})
		return
	}
	user := domain.NewAddress(req.User)
	if user.IsZero() {
		respondWithJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "user is required", Kind: "bad_request"})
		return
	}

	success := req.Steps >= req.StepTarget
	fields := log.Fields{"user": user, "index": req.GoalIndex, "steps": req.Steps, "target": req.StepTarget}

	g, err := rl.attester.MarkGoal(r.Context(), user, req.GoalIndex, success)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("goal attestation failed")
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			respondWithJSON(w, apiErr.Status, models.ErrorResponse{Error: apiErr.Message, Kind: apiErr.Kind, Retryable: apiErr.Retryable})
			return
		}
		respondWithJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: err.Error(), Kind: "internal"})
		return
	}

	log.WithFields(fields).WithField("success", success).Info("goal marked")
	respondWithJSON(w, http.StatusOK, MarkGoalResponse{Status: "Goal marked", Success: success, Goal: g})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
