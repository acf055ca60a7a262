// Package handlers provides HTTP handlers for portfolio optimization
// operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/factors"
	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/optimization"
	"github.com/perivale/allocator/internal/modules/returns"
	"github.com/perivale/allocator/internal/workers"
)

// ReturnsPayload is the wire form of an aligned return matrix.
type ReturnsPayload struct {
	Dates   []string             `json:"dates"`
	Returns map[string][]float64 `json:"returns"`
}

// Matrix builds the return matrix from the payload.
func (p *ReturnsPayload) Matrix() (*returns.Matrix, error) {
	return returns.New(p.Dates, p.Returns)
}

// GroupPayload is the wire form of a group constraint.
type GroupPayload struct {
	Assets []string `json:"assets"`
	Lower  float64  `json:"lower"`
	Upper  float64  `json:"upper"`
}

// ConstraintsPayload is the wire form of a constraint set.
type ConstraintsPayload struct {
	Bounds           map[string]optimization.Bound `json:"bounds,omitempty"`
	Groups           map[string]GroupPayload       `json:"groups,omitempty"`
	TargetReturn     *float64                      `json:"target_return,omitempty"`
	MaxConcentration *float64                      `json:"max_concentration,omitempty"`
}

// ConstraintSet builds the constraint set from the payload. A nil payload
// yields the default long-only full-investment set.
func (p *ConstraintsPayload) ConstraintSet() *optimization.ConstraintSet {
	cs := optimization.NewConstraintSet()
	if p == nil {
		return cs
	}
	for asset, b := range p.Bounds {
		cs = cs.WithBound(asset, b.Lower, b.Upper)
	}
	for name, g := range p.Groups {
		cs = cs.WithGroup(name, g.Lower, g.Upper, g.Assets...)
	}
	if p.TargetReturn != nil {
		cs = cs.WithTargetReturn(*p.TargetReturn)
	}
	if p.MaxConcentration != nil {
		cs = cs.WithMaxConcentration(*p.MaxConcentration)
	}
	return cs
}

// ObjectivePayload is the wire form of an optimization objective.
type ObjectivePayload struct {
	Type                string             `json:"type"`
	RiskFreeRate        float64            `json:"risk_free_rate,omitempty"`
	DownsideLambda      float64            `json:"downside_lambda,omitempty"`
	ConcentrationLambda float64            `json:"concentration_lambda,omitempty"`
	TurnoverLambda      float64            `json:"turnover_lambda,omitempty"`
	PrevWeights         map[string]float64 `json:"prev_weights,omitempty"`
}

// Objective builds the objective from the payload. The return history feeds
// the downside penalty when one is requested. An empty type means minimum
// variance.
func (p *ObjectivePayload) Objective(history *returns.Matrix, annualizationFactor int) (optimization.Objective, error) {
	if p == nil {
		return optimization.MinVariance{}, nil
	}
	switch p.Type {
	case "", "min_variance":
		return optimization.MinVariance{}, nil
	case "max_sharpe":
		return optimization.MaxSharpe{RiskFreeRate: p.RiskFreeRate}, nil
	case "custom_penalty":
		return optimization.CustomPenalty{
			DownsideLambda:      p.DownsideLambda,
			ConcentrationLambda: p.ConcentrationLambda,
			TurnoverLambda:      p.TurnoverLambda,
			PrevWeights:         p.PrevWeights,
			History:             history,
			AnnualizationFactor: annualizationFactor,
		}, nil
	default:
		return nil, errors.New("unknown objective type: " + p.Type)
	}
}

// Handler handles optimization HTTP requests.
type Handler struct {
	pool                *workers.Pool
	solver              *optimization.Solver
	store               Saver
	annualizationFactor int
	log                 zerolog.Logger
}

// Saver persists solver results so runs can be inspected later.
type Saver interface {
	SaveOptimization(ctx context.Context, res *optimization.Result) (string, error)
}

// NewHandler creates an optimization handler. store may be nil.
func NewHandler(pool *workers.Pool, store Saver, annualizationFactor int, log zerolog.Logger) *Handler {
	return &Handler{
		pool:                pool,
		solver:              optimization.NewSolver(log),
		store:               store,
		annualizationFactor: annualizationFactor,
		log:                 log.With().Str("handler", "optimization").Logger(),
	}
}

type solveRequest struct {
	ReturnsPayload
	Constraints         *ConstraintsPayload `json:"constraints,omitempty"`
	Objective           *ObjectivePayload   `json:"objective,omitempty"`
	AnnualizationFactor int                 `json:"annualization_factor,omitempty"`
	MinPeriods          int                 `json:"min_periods,omitempty"`
	Shrinkage           bool                `json:"shrinkage,omitempty"`
	FactorTilts         bool                `json:"factor_tilts,omitempty"`
	Save                bool                `json:"save,omitempty"`
}

// HandleSolve handles POST /api/optimization/solve
func (h *Handler) HandleSolve(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rm, est, status, msg := h.estimate(&req)
	if msg != "" {
		h.writeError(w, status, msg)
		return
	}

	objective, err := req.Objective.Objective(rm, h.factor(req.AnnualizationFactor))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.solver.Solve(est, req.Constraints.ConstraintSet(), objective)
	if err != nil {
		status, msg := solveErrorStatus(err)
		h.writeError(w, status, msg)
		return
	}

	data := map[string]interface{}{"result": result}
	if req.Save && h.store != nil {
		id, err := h.store.SaveOptimization(r.Context(), result)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to store optimization run")
		} else {
			data["run_id"] = id
		}
	}

	h.writeJSON(w, http.StatusOK, data)
}

type frontierRequest struct {
	ReturnsPayload
	Constraints         *ConstraintsPayload `json:"constraints,omitempty"`
	Points              int                 `json:"points,omitempty"`
	AnnualizationFactor int                 `json:"annualization_factor,omitempty"`
	MinPeriods          int                 `json:"min_periods,omitempty"`
	Shrinkage           bool                `json:"shrinkage,omitempty"`
}

// HandleFrontier handles POST /api/optimization/frontier
func (h *Handler) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	var req frontierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Points <= 0 {
		req.Points = 20
	}

	solve := solveRequest{
		ReturnsPayload:      req.ReturnsPayload,
		AnnualizationFactor: req.AnnualizationFactor,
		MinPeriods:          req.MinPeriods,
		Shrinkage:           req.Shrinkage,
	}
	_, est, status, msg := h.estimate(&solve)
	if msg != "" {
		h.writeError(w, status, msg)
		return
	}

	cs := req.Constraints.ConstraintSet()
	if err := cs.Validate(est.Assets); err != nil {
		status, msg := solveErrorStatus(err)
		h.writeError(w, status, msg)
		return
	}

	outcomes := h.pool.FrontierBatch(r.Context(), est, cs, req.Points)
	targets := optimization.FrontierTargets(est, req.Points)

	points := []optimization.FrontierPoint{}
	for i, o := range outcomes {
		if o.Err != nil {
			continue
		}
		points = append(points, optimization.FrontierPoint{
			TargetReturn:   targets[i],
			ExpectedReturn: o.Result.ExpectedReturn,
			Volatility:     o.Result.Volatility,
			Weights:        o.Result.Weights,
		})
	}
	if len(points) == 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "no feasible frontier points")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"frontier": points})
}

// estimate decodes the shared part of a solve request into moment estimates.
// A non-empty message signals failure.
func (h *Handler) estimate(req *solveRequest) (*returns.Matrix, *moments.Estimates, int, string) {
	rm, err := req.Matrix()
	if err != nil {
		return nil, nil, http.StatusBadRequest, err.Error()
	}

	estimator := moments.NewEstimator(h.log)
	if req.MinPeriods > 0 {
		estimator.MinPeriods = req.MinPeriods
	}
	estimator.Shrinkage = req.Shrinkage

	est, err := estimator.Estimate(rm, h.factor(req.AnnualizationFactor))
	if err != nil {
		status, msg := solveErrorStatus(err)
		return nil, nil, status, msg
	}

	if req.FactorTilts {
		tilter := factors.NewTilter(factors.DefaultConfig(), h.log)
		est, err = tilter.TiltedMeans(rm, est)
		if err != nil {
			return nil, nil, http.StatusInternalServerError, err.Error()
		}
	}
	return rm, est, 0, ""
}

func (h *Handler) factor(requested int) int {
	if requested > 0 {
		return requested
	}
	return h.annualizationFactor
}

// solveErrorStatus maps domain errors to HTTP status codes. Malformed inputs
// are 400, well-formed but unsolvable problems are 422.
func solveErrorStatus(err error) (int, string) {
	var insufficient *domain.InsufficientDataError
	var conflict *domain.ConstraintConflictError
	var infeasible *domain.InfeasibleConstraintsError
	var degenerate *domain.DegenerateSolutionError
	var violation *domain.ConstraintViolationError

	switch {
	case errors.As(err, &insufficient), errors.As(err, &conflict):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &infeasible), errors.As(err, &degenerate), errors.As(err, &violation):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
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
