package optimization

import (
	"github.com/perivale/allocator/internal/modules/returns"
)

// Objective is a tagged variant selecting the optimization target. Each
// variant carries only the parameters it needs.
type Objective interface {
	objectiveName() string
}

// MinVariance minimizes portfolio variance wᵀΣw.
type MinVariance struct{}

func (MinVariance) objectiveName() string { return "min_variance" }

// MaxSharpe maximizes (μᵀw − r_f) / √(wᵀΣw) via the standard variable
// substitution that turns the ratio into a convex quadratic program.
type MaxSharpe struct {
	RiskFreeRate float64
}

func (MaxSharpe) objectiveName() string { return "max_sharpe" }

// CustomPenalty minimizes
//
//	wᵀΣw + λ₁·downside(w) + λ₂·Σw² + λ₃·‖w − w_prev‖₁
//
// where the downside term is a quadratic form over the clipped negative
// historical returns. Every quadratic term is verified positive semi-definite
// before solving.
type CustomPenalty struct {
	DownsideLambda      float64 // λ₁, weight on the downside-risk quadratic
	ConcentrationLambda float64 // λ₂, weight on Σw²
	TurnoverLambda      float64 // λ₃, weight on L1 distance from PrevWeights

	// PrevWeights anchors the turnover term; nil disables it.
	PrevWeights map[string]float64

	// History supplies the negative-return sub-matrix for the downside
	// term; required when DownsideLambda > 0.
	History *returns.Matrix

	// AnnualizationFactor for the downside quadratic, 252 when zero.
	AnnualizationFactor int
}

func (CustomPenalty) objectiveName() string { return "custom_penalty" }
