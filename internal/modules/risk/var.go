package risk

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/perivale/allocator/internal/domain"
)

// Method selects the VaR estimation approach.
type Method string

const (
	// Historical uses the empirical return distribution, no distributional
	// assumption.
	Historical Method = "historical"

	// Parametric assumes normally distributed returns. Documented as an
	// approximation; fat tails are underestimated.
	Parametric Method = "parametric"
)

// MinObservations is the smallest return sample accepted for a VaR estimate.
const MinObservations = 2

// DefaultRollingMinPeriods is the default warm-up before a rolling estimate
// is emitted.
const DefaultRollingMinPeriods = 10

// VaRResult holds a tail risk estimate. VaR and CVaR are return-space values
// (negative for losses); |CVaR| ≥ |VaR| always holds for the same inputs.
type VaRResult struct {
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
	VaR        float64 `json:"var"`
	CVaR       float64 `json:"cvar"`
}

// RollingPoint is one entry of a rolling VaR series. Points before the
// warm-up window are undefined, not zero.
type RollingPoint struct {
	Index   int     `json:"index"`
	Defined bool    `json:"defined"`
	VaR     float64 `json:"var"`
	CVaR    float64 `json:"cvar"`
}

// ComputeVaR estimates VaR and CVaR for a portfolio return series at the
// given confidence level.
func ComputeVaR(portfolioReturns []float64, confidence float64, method Method) (*VaRResult, error) {
	if len(portfolioReturns) < MinObservations {
		return nil, &domain.InsufficientDataError{
			Available: len(portfolioReturns),
			Required:  MinObservations,
			Context:   "VaR estimation",
		}
	}
	if confidence <= 0 || confidence >= 1 {
		return nil, fmt.Errorf("confidence must be in (0, 1), got %g", confidence)
	}

	switch method {
	case Historical:
		v, c := historicalVaR(portfolioReturns, confidence)
		return &VaRResult{Confidence: confidence, Method: method, VaR: v, CVaR: c}, nil
	case Parametric:
		v, c := parametricVaR(portfolioReturns, confidence)
		return &VaRResult{Confidence: confidence, Method: method, VaR: v, CVaR: c}, nil
	default:
		return nil, fmt.Errorf("unknown VaR method %q", method)
	}
}

// historicalVaR takes the empirical (1 − confidence) quantile; CVaR is the
// mean of the returns at or below it.
func historicalVaR(returns []float64, confidence float64) (float64, float64) {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int((1 - confidence) * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	v := sorted[idx]

	if idx == 0 {
		return v, v
	}
	tail := sorted[:idx]
	sum := 0.0
	for _, r := range tail {
		sum += r
	}
	return v, sum / float64(len(tail))
}

// parametricVaR fits a normal distribution:
//
//	VaR  = μ + z·σ            with z = Φ⁻¹(1 − confidence)
//	CVaR = μ − σ·φ(z)/(1 − confidence)
func parametricVaR(returns []float64, confidence float64) (float64, float64) {
	mu := stat.Mean(returns, nil)
	sigma := stat.StdDev(returns, nil)

	normal := distuv.Normal{Mu: 0, Sigma: 1}
	z := normal.Quantile(1 - confidence)

	v := mu + z*sigma
	c := mu - sigma*normal.Prob(z)/(1-confidence)
	return v, c
}

// RollingVaR recomputes VaR/CVaR over every trailing window of the series.
// A point is defined only once minPeriods observations are available inside
// the window; earlier points carry NaN values and Defined=false.
func RollingVaR(portfolioReturns []float64, window, minPeriods int, confidence float64, method Method) ([]RollingPoint, error) {
	if len(portfolioReturns) < MinObservations {
		return nil, &domain.InsufficientDataError{
			Available: len(portfolioReturns),
			Required:  MinObservations,
			Context:   "rolling VaR",
		}
	}
	if window < MinObservations {
		return nil, fmt.Errorf("window must be at least %d, got %d", MinObservations, window)
	}
	if minPeriods < MinObservations {
		minPeriods = DefaultRollingMinPeriods
	}
	if minPeriods > window {
		minPeriods = window
	}

	points := make([]RollingPoint, len(portfolioReturns))
	for t := range portfolioReturns {
		start := t - window + 1
		if start < 0 {
			start = 0
		}
		slice := portfolioReturns[start : t+1]

		if len(slice) < minPeriods {
			points[t] = RollingPoint{Index: t, Defined: false, VaR: math.NaN(), CVaR: math.NaN()}
			continue
		}

		res, err := ComputeVaR(slice, confidence, method)
		if err != nil {
			return nil, err
		}
		points[t] = RollingPoint{Index: t, Defined: true, VaR: res.VaR, CVaR: res.CVaR}
	}

	return points, nil
}
