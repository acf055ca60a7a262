package factors

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/returns"
)

func tiltMatrix(t *testing.T, data map[string][]float64) *returns.Matrix {
	t.Helper()
	var n int
	for _, col := range data {
		n = len(col)
		break
	}
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	dates := make([]string, n)
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	rm, err := returns.New(dates, data)
	require.NoError(t, err)
	return rm
}

func tiltEstimates(assets []string, means []float64) *moments.Estimates {
	n := len(assets)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, 0.04)
	}
	return &moments.Estimates{Assets: assets, Mean: means, Cov: cov, Periods: 60}
}

func constantCol(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTiltedMeansFavorsTrendingAsset(t *testing.T) {
	rm := tiltMatrix(t, map[string][]float64{
		"UP":   constantCol(60, 0.01),
		"DOWN": constantCol(60, -0.01),
	})
	est := tiltEstimates([]string{"DOWN", "UP"}, []float64{0.05, 0.05})

	tilter := NewTilter(DefaultConfig(), zerolog.Nop())
	out, err := tilter.TiltedMeans(rm, est)
	require.NoError(t, err)

	idx := map[string]int{}
	for i, a := range out.Assets {
		idx[a] = i
	}
	assert.Greater(t, out.Mean[idx["UP"]], 0.05)
	assert.Less(t, out.Mean[idx["DOWN"]], 0.05)
}

func TestTiltIsBounded(t *testing.T) {
	rm := tiltMatrix(t, map[string][]float64{
		"UP": constantCol(60, 0.05),
	})
	est := tiltEstimates([]string{"UP"}, []float64{0.10})

	cfg := DefaultConfig()
	cfg.MaxTilt = 0.1
	tilter := NewTilter(cfg, zerolog.Nop())
	out, err := tilter.TiltedMeans(rm, est)
	require.NoError(t, err)

	assert.LessOrEqual(t, out.Mean[0], 0.10*1.1+1e-12)
	assert.GreaterOrEqual(t, out.Mean[0], 0.10*0.9-1e-12)
}

func TestShortHistoryLeavesMeanUntouched(t *testing.T) {
	rm := tiltMatrix(t, map[string][]float64{
		"AAA": constantCol(5, 0.01),
	})
	est := tiltEstimates([]string{"AAA"}, []float64{0.07})

	tilter := NewTilter(DefaultConfig(), zerolog.Nop())
	out, err := tilter.TiltedMeans(rm, est)
	require.NoError(t, err)
	assert.InDelta(t, 0.07, out.Mean[0], 1e-12)
}

func TestTiltedMeansKeepsCovariance(t *testing.T) {
	rm := tiltMatrix(t, map[string][]float64{
		"AAA": constantCol(60, 0.002),
	})
	est := tiltEstimates([]string{"AAA"}, []float64{0.07})

	tilter := NewTilter(DefaultConfig(), zerolog.Nop())
	out, err := tilter.TiltedMeans(rm, est)
	require.NoError(t, err)
	assert.Same(t, est.Cov, out.Cov)
	assert.Equal(t, est.Periods, out.Periods)
}

func TestSyntheticPricesCompound(t *testing.T) {
	prices := syntheticPrices([]float64{0.10, -0.10})
	require.Len(t, prices, 3)
	assert.InDelta(t, 1.0, prices[0], 1e-12)
	assert.InDelta(t, 1.1, prices[1], 1e-12)
	assert.InDelta(t, 0.99, prices[2], 1e-12)
}
