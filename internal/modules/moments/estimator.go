// Package moments estimates annualized return and covariance statistics from
// an aligned return matrix.
package moments

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/returns"
)

const (
	// DefaultMinPeriods is the minimum number of observations accepted for
	// an estimate.
	DefaultMinPeriods = 30

	// conditionThreshold marks a covariance matrix as ill-conditioned.
	conditionThreshold = 1e10

	// ridgeEpsilon scales the identity bump applied to ill-conditioned
	// matrices, relative to the mean diagonal variance.
	ridgeEpsilon = 1e-6
)

// Estimates holds annualized moment estimates for a fixed asset universe.
// Shared read-only across concurrent solver runs.
type Estimates struct {
	Assets      []string
	Mean        []float64 // annualized expected returns, ordered like Assets
	Cov         *mat.SymDense
	Periods     int  // observations used
	Regularized bool // true when a ridge bump was applied
}

// Estimator derives Estimates from a return matrix.
type Estimator struct {
	MinPeriods int
	Shrinkage  bool // apply Ledoit-Wolf shrinkage toward constant correlation
	log        zerolog.Logger
}

// NewEstimator creates an estimator with the default minimum window.
func NewEstimator(log zerolog.Logger) *Estimator {
	return &Estimator{
		MinPeriods: DefaultMinPeriods,
		log:        log.With().Str("component", "moments").Logger(),
	}
}

// Estimate computes annualized mean returns and covariance from rm.
// annualizationFactor is the number of periods per year (252 for daily data).
func (e *Estimator) Estimate(rm *returns.Matrix, annualizationFactor int) (*Estimates, error) {
	if rm.Len() < e.MinPeriods {
		return nil, &domain.InsufficientDataError{
			Available: rm.Len(),
			Required:  e.MinPeriods,
			Context:   "moment estimation",
		}
	}

	assets := rm.Assets()
	n := len(assets)
	factor := float64(annualizationFactor)

	cols := make([][]float64, n)
	mean := make([]float64, n)
	for i, asset := range assets {
		col, err := rm.Column(asset)
		if err != nil {
			return nil, err
		}
		cols[i] = col
		mean[i] = stat.Mean(col, nil) * factor
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, stat.Covariance(cols[i], cols[j], nil)*factor)
		}
	}

	if e.Shrinkage {
		shrinkTowardConstantCorrelation(cov)
	}

	est := &Estimates{
		Assets:  assets,
		Mean:    mean,
		Cov:     cov,
		Periods: rm.Len(),
	}

	if illConditioned(cov) {
		base := meanDiagonal(cov)
		if base <= 0 {
			base = 1
		}
		ridge := ridgeEpsilon * base
		for i := 0; i < n; i++ {
			cov.SetSym(i, i, cov.At(i, i)+ridge)
		}
		est.Regularized = true
		e.log.Warn().
			Float64("ridge", ridge).
			Int("assets", n).
			Msg("Covariance matrix ill-conditioned, applied ridge regularization")
	}

	e.log.Debug().
		Int("assets", n).
		Int("periods", rm.Len()).
		Bool("regularized", est.Regularized).
		Msg("Estimated moments")

	return est, nil
}

// PortfolioVariance computes wᵀΣw for a weight vector ordered like Assets.
func (est *Estimates) PortfolioVariance(w []float64) float64 {
	n := len(est.Assets)
	variance := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += w[i] * est.Cov.At(i, j) * w[j]
		}
	}
	return variance
}

// ExpectedReturn computes μᵀw for a weight vector ordered like Assets.
func (est *Estimates) ExpectedReturn(w []float64) float64 {
	total := 0.0
	for i, m := range est.Mean {
		total += m * w[i]
	}
	return total
}

// illConditioned reports whether the matrix is singular or numerically close
// to it. A failed Cholesky factorization counts as ill-conditioned even when
// the condition number is finite.
func illConditioned(cov *mat.SymDense) bool {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return true
	}
	cond := chol.Cond()
	return math.IsInf(cond, 1) || math.IsNaN(cond) || cond > conditionThreshold
}

func meanDiagonal(cov *mat.SymDense) float64 {
	n := cov.SymmetricDim()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += cov.At(i, i)
	}
	return sum / float64(n)
}

// shrinkTowardConstantCorrelation applies Ledoit-Wolf style shrinkage of the
// sample covariance toward a constant-correlation target. The intensity is a
// simplified estimate capped at 0.5.
func shrinkTowardConstantCorrelation(cov *mat.SymDense) {
	n := cov.SymmetricDim()
	if n < 2 {
		return
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += cov.At(i, i)
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += cov.At(i, j)
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		if avgVar > 0 {
			return avgCov
		}
		return 0
	}

	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sumSq, sum float64
		count := float64(n * n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := cov.At(i, j)
				d := v - target(i, j)
				sumSqDiff += d * d
				sumSq += v * v
				sum += v
			}
		}
		meanSqDiff := sumSqDiff / count
		meanVal := sum / count
		varSample := sumSq/count - meanVal*meanVal
		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, (1-shrinkage)*cov.At(i, j)+shrinkage*target(i, j))
		}
	}
}
