// Package risk decomposes portfolio risk into per-asset contributions and
// estimates tail risk via historical and parametric VaR.
package risk

import (
	"fmt"
	"math"

	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/pkg/formulas"
)

// Concentration thresholds on the Herfindahl index of relative
// contributions.
const (
	HerfindahlHigh     = 0.25
	HerfindahlModerate = 0.15
)

// Risk multiple thresholds: an asset contributing risk well above or below
// its capital weight.
const (
	RiskMultipleAmplifier   = 1.5
	RiskMultipleDiversifier = 0.7
)

// Contribution is the Brinson-style risk decomposition for one asset.
type Contribution struct {
	Asset        string  `json:"asset"`
	Weight       float64 `json:"weight"`
	Marginal     float64 `json:"marginal"`      // ∂σ_p/∂w_i
	Absolute     float64 `json:"absolute"`      // w_i · marginal_i, sums to σ_p
	Relative     float64 `json:"relative"`      // absolute_i / σ_p, sums to 1
	RiskMultiple float64 `json:"risk_multiple"` // relative_i / w_i
	Flag         string  `json:"flag,omitempty"`
}

// AttributionResult is the full decomposition plus concentration diagnostics.
type AttributionResult struct {
	PortfolioVolatility float64        `json:"portfolio_volatility"`
	Contributions       []Contribution `json:"contributions"`
	Herfindahl          float64        `json:"herfindahl"`
	ConcentrationLevel  string         `json:"concentration_level"`
}

// Attribute decomposes total portfolio volatility into marginal, absolute and
// relative contributions per asset. The sum of absolute contributions equals
// the portfolio volatility.
func Attribute(weights map[string]float64, est *moments.Estimates) (*AttributionResult, error) {
	n := len(est.Assets)
	w := make([]float64, n)
	for i, a := range est.Assets {
		w[i] = weights[a]
	}

	variance := est.PortfolioVariance(w)
	if variance <= 0 {
		return nil, fmt.Errorf("portfolio variance is %g, cannot attribute risk", variance)
	}
	vol := math.Sqrt(variance)

	contributions := make([]Contribution, n)
	relatives := make([]float64, n)
	for i, a := range est.Assets {
		// (Σw)_i / σ_p
		sigmaW := 0.0
		for j := 0; j < n; j++ {
			sigmaW += est.Cov.At(i, j) * w[j]
		}
		marginal := sigmaW / vol
		absolute := w[i] * marginal
		relative := absolute / vol
		relatives[i] = relative

		c := Contribution{
			Asset:    a,
			Weight:   w[i],
			Marginal: marginal,
			Absolute: absolute,
			Relative: relative,
		}
		if w[i] != 0 {
			c.RiskMultiple = relative / w[i]
			switch {
			case c.RiskMultiple > RiskMultipleAmplifier:
				c.Flag = "amplifier"
			case c.RiskMultiple < RiskMultipleDiversifier:
				c.Flag = "diversifier"
			}
		}
		contributions[i] = c
	}

	herfindahl := formulas.Herfindahl(relatives)
	level := "diversified"
	switch {
	case herfindahl > HerfindahlHigh:
		level = "high"
	case herfindahl > HerfindahlModerate:
		level = "moderate"
	}

	return &AttributionResult{
		PortfolioVolatility: vol,
		Contributions:       contributions,
		Herfindahl:          herfindahl,
		ConcentrationLevel:  level,
	}, nil
}
