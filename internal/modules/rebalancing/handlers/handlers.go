// Package handlers provides HTTP handlers for rebalancing backtests.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/domain"
	opthandlers "github.com/perivale/allocator/internal/modules/optimization/handlers"
	"github.com/perivale/allocator/internal/modules/rebalancing"
)

// Saver persists backtest results so runs can be inspected later.
type Saver interface {
	SaveBacktest(ctx context.Context, res *rebalancing.Result, objective string) (string, error)
}

// Handler handles backtest HTTP requests.
type Handler struct {
	backtester          *rebalancing.Backtester
	store               Saver
	annualizationFactor int
	riskFreeRate        float64
	log                 zerolog.Logger
}

// NewHandler creates a backtest handler. store may be nil.
func NewHandler(store Saver, annualizationFactor int, riskFreeRate float64, log zerolog.Logger) *Handler {
	return &Handler{
		backtester:          rebalancing.NewBacktester(log),
		store:               store,
		annualizationFactor: annualizationFactor,
		riskFreeRate:        riskFreeRate,
		log:                 log.With().Str("handler", "backtest").Logger(),
	}
}

type backtestRequest struct {
	opthandlers.ReturnsPayload
	Constraints         *opthandlers.ConstraintsPayload `json:"constraints,omitempty"`
	Objective           *opthandlers.ObjectivePayload   `json:"objective,omitempty"`
	Frequency           rebalancing.Frequency           `json:"frequency"`
	InitialCapital      float64                         `json:"initial_capital"`
	AnnualizationFactor int                             `json:"annualization_factor,omitempty"`
	MinPeriods          int                             `json:"min_periods,omitempty"`
	FixedWeights        bool                            `json:"fixed_weights,omitempty"`
	Fallback            rebalancing.FallbackPolicy      `json:"fallback,omitempty"`
	RiskFreeRate        *float64                        `json:"risk_free_rate,omitempty"`
	Save                bool                            `json:"save,omitempty"`
}

// HandleRun handles POST /api/backtest/run
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InitialCapital <= 0 {
		h.writeError(w, http.StatusBadRequest, "initial_capital must be positive")
		return
	}
	if req.Frequency == "" {
		req.Frequency = rebalancing.Monthly
	}

	rm, err := req.Matrix()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	factor := req.AnnualizationFactor
	if factor <= 0 {
		factor = h.annualizationFactor
	}
	riskFree := h.riskFreeRate
	if req.RiskFreeRate != nil {
		riskFree = *req.RiskFreeRate
	}

	objective, err := req.Objective.Objective(nil, factor)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := rebalancing.Config{
		Objective:           objective,
		Constraints:         req.Constraints.ConstraintSet(),
		Frequency:           req.Frequency,
		InitialCapital:      req.InitialCapital,
		AnnualizationFactor: factor,
		MinPeriods:          req.MinPeriods,
		FixedWeights:        req.FixedWeights,
		Fallback:            req.Fallback,
		RiskFreeRate:        riskFree,
	}

	result, err := h.backtester.Run(rm, cfg)
	if err != nil {
		h.writeError(w, runErrorStatus(err), err.Error())
		return
	}

	data := map[string]interface{}{"result": result}
	if req.Save && h.store != nil {
		objectiveTag := "min_variance"
		if req.Objective != nil && req.Objective.Type != "" {
			objectiveTag = req.Objective.Type
		}
		id, err := h.store.SaveBacktest(r.Context(), result, objectiveTag)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to store backtest run")
		} else {
			data["run_id"] = id
		}
	}

	h.writeJSON(w, http.StatusOK, data)
}

func runErrorStatus(err error) int {
	var insufficient *domain.InsufficientDataError
	var conflict *domain.ConstraintConflictError
	if errors.As(err, &insufficient) || errors.As(err, &conflict) {
		return http.StatusBadRequest
	}
	var infeasible *domain.InfeasibleConstraintsError
	var degenerate *domain.DegenerateSolutionError
	var violation *domain.ConstraintViolationError
	if errors.As(err, &infeasible) || errors.As(err, &degenerate) || errors.As(err, &violation) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// writeJSON writes a JSON response in the standard envelope.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}
