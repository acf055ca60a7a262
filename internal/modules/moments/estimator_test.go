package moments

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/returns"
)

func testMatrix(t *testing.T, data map[string][]float64) *returns.Matrix {
	t.Helper()
	var n int
	for _, col := range data {
		n = len(col)
		break
	}
	dates := make([]string, n)
	for i := range dates {
		dates[i] = "d" + string(rune('0'+i%10)) + string(rune('a'+i/10))
	}
	m, err := returns.New(dates, data)
	require.NoError(t, err)
	return m
}

func alternating(a, b float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = b
		}
	}
	return out
}

func TestEstimateRejectsShortWindow(t *testing.T) {
	est := NewEstimator(zerolog.Nop())
	rm := testMatrix(t, map[string][]float64{"AAA": alternating(0.01, -0.01, 10)})

	_, err := est.Estimate(rm, 252)
	require.Error(t, err)

	var insufficient *domain.InsufficientDataError
	assert.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 10, insufficient.Available)
	assert.Equal(t, DefaultMinPeriods, insufficient.Required)
}

func TestEstimateAnnualizes(t *testing.T) {
	est := NewEstimator(zerolog.Nop())
	col := alternating(0.02, -0.01, 40)
	rm := testMatrix(t, map[string][]float64{"AAA": col})

	out, err := est.Estimate(rm, 252)
	require.NoError(t, err)

	// mean: (0.02 - 0.01)/2 * 252
	assert.InDelta(t, 0.005*252, out.Mean[0], 1e-9)

	// sample variance of the alternating series, annualized
	mean := 0.005
	sumSq := 0.0
	for _, r := range col {
		sumSq += (r - mean) * (r - mean)
	}
	wantVar := sumSq / float64(len(col)-1) * 252
	assert.InDelta(t, wantVar, out.Cov.At(0, 0), 1e-9)
	assert.Equal(t, 40, out.Periods)
	assert.False(t, out.Regularized)
}

func TestEstimateRegularizesSingularCovariance(t *testing.T) {
	est := NewEstimator(zerolog.Nop())
	col := alternating(0.02, -0.01, 40)

	// Two perfectly collinear assets give a singular covariance matrix.
	colB := make([]float64, len(col))
	for i, r := range col {
		colB[i] = 2 * r
	}
	rm := testMatrix(t, map[string][]float64{"AAA": col, "BBB": colB})

	out, err := est.Estimate(rm, 252)
	require.NoError(t, err)
	assert.True(t, out.Regularized)

	// The ridge bump must leave the matrix positive definite.
	diag := out.Cov.At(0, 0)
	assert.Greater(t, diag, 0.0)
	assert.False(t, math.IsNaN(out.Cov.At(0, 1)))
}

func TestEstimateSymmetry(t *testing.T) {
	est := NewEstimator(zerolog.Nop())
	rm := testMatrix(t, map[string][]float64{
		"AAA": alternating(0.02, -0.01, 40),
		"BBB": alternating(-0.005, 0.015, 40),
	})

	out, err := est.Estimate(rm, 252)
	require.NoError(t, err)
	assert.InDelta(t, out.Cov.At(0, 1), out.Cov.At(1, 0), 1e-15)
}

func TestShrinkagePullsOffDiagonalTowardAverage(t *testing.T) {
	plain := NewEstimator(zerolog.Nop())
	shrunk := NewEstimator(zerolog.Nop())
	shrunk.Shrinkage = true

	data := map[string][]float64{
		"AAA": alternating(0.02, -0.01, 60),
		"BBB": alternating(-0.005, 0.015, 60),
		"CCC": alternating(0.01, 0.002, 60),
	}

	base, err := plain.Estimate(testMatrix(t, data), 252)
	require.NoError(t, err)
	sh, err := shrunk.Estimate(testMatrix(t, data), 252)
	require.NoError(t, err)

	// Diagonals move toward the average variance, so the spread shrinks.
	spread := func(c interface{ At(int, int) float64 }) float64 {
		max, min := math.Inf(-1), math.Inf(1)
		for i := 0; i < 3; i++ {
			v := c.At(i, i)
			if v > max {
				max = v
			}
			if v < min {
				min = v
			}
		}
		return max - min
	}
	assert.Less(t, spread(sh.Cov), spread(base.Cov))
}

func TestPortfolioVarianceAndExpectedReturn(t *testing.T) {
	est := NewEstimator(zerolog.Nop())
	rm := testMatrix(t, map[string][]float64{
		"AAA": alternating(0.02, -0.01, 40),
		"BBB": alternating(-0.005, 0.015, 40),
	})

	out, err := est.Estimate(rm, 252)
	require.NoError(t, err)

	w := []float64{0.5, 0.5}
	wantVar := 0.25*out.Cov.At(0, 0) + 0.5*out.Cov.At(0, 1) + 0.25*out.Cov.At(1, 1)
	assert.InDelta(t, wantVar, out.PortfolioVariance(w), 1e-12)
	assert.InDelta(t, 0.5*out.Mean[0]+0.5*out.Mean[1], out.ExpectedReturn(w), 1e-12)
}
