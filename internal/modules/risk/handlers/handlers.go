// Package handlers provides HTTP handlers for risk attribution and VaR
// operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/returns"
	"github.com/perivale/allocator/internal/modules/risk"
)

// Handler handles risk HTTP requests.
type Handler struct {
	annualizationFactor int
	log                 zerolog.Logger
}

// NewHandler creates a risk handler.
func NewHandler(annualizationFactor int, log zerolog.Logger) *Handler {
	return &Handler{
		annualizationFactor: annualizationFactor,
		log:                 log.With().Str("handler", "risk").Logger(),
	}
}

type attributionRequest struct {
	Dates               []string             `json:"dates"`
	Returns             map[string][]float64 `json:"returns"`
	Weights             map[string]float64   `json:"weights"`
	AnnualizationFactor int                  `json:"annualization_factor,omitempty"`
	MinPeriods          int                  `json:"min_periods,omitempty"`
}

// HandleAttribution handles POST /api/risk/attribution
func (h *Handler) HandleAttribution(w http.ResponseWriter, r *http.Request) {
	var req attributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Weights) == 0 {
		h.writeError(w, http.StatusBadRequest, "weights are required")
		return
	}

	rm, err := returns.New(req.Dates, req.Returns)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	estimator := moments.NewEstimator(h.log)
	if req.MinPeriods > 0 {
		estimator.MinPeriods = req.MinPeriods
	}
	factor := req.AnnualizationFactor
	if factor <= 0 {
		factor = h.annualizationFactor
	}

	est, err := estimator.Estimate(rm, factor)
	if err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}

	result, err := risk.Attribute(req.Weights, est)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type varRequest struct {
	// Either a ready portfolio return series, or a return matrix plus
	// weights to derive one.
	PortfolioReturns []float64            `json:"portfolio_returns,omitempty"`
	Dates            []string             `json:"dates,omitempty"`
	Returns          map[string][]float64 `json:"returns,omitempty"`
	Weights          map[string]float64   `json:"weights,omitempty"`

	Confidence float64     `json:"confidence,omitempty"`
	Method     risk.Method `json:"method,omitempty"`
	Rolling    *struct {
		Window     int `json:"window"`
		MinPeriods int `json:"min_periods,omitempty"`
	} `json:"rolling,omitempty"`
}

// HandleVaR handles POST /api/risk/var
func (h *Handler) HandleVaR(w http.ResponseWriter, r *http.Request) {
	var req varRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	series := req.PortfolioReturns
	if series == nil {
		if len(req.Returns) == 0 || len(req.Weights) == 0 {
			h.writeError(w, http.StatusBadRequest, "either portfolio_returns or returns plus weights are required")
			return
		}
		rm, err := returns.New(req.Dates, req.Returns)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		series = rm.PortfolioReturns(req.Weights)
	}

	confidence := req.Confidence
	if confidence == 0 {
		confidence = 0.95
	}
	method := req.Method
	if method == "" {
		method = risk.Historical
	}

	if req.Rolling != nil {
		minPeriods := req.Rolling.MinPeriods
		if minPeriods == 0 {
			minPeriods = risk.DefaultRollingMinPeriods
		}
		points, err := risk.RollingVaR(series, req.Rolling.Window, minPeriods, confidence, method)
		if err != nil {
			h.writeError(w, errorStatus(err), err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"rolling": points})
		return
	}

	result, err := risk.ComputeVaR(series, confidence, method)
	if err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func errorStatus(err error) int {
	var insufficient *domain.InsufficientDataError
	if errors.As(err, &insufficient) {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
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
