package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/domain"
)

// sampleReturns is a small fixed series with a fat left tail.
var sampleReturns = []float64{
	0.012, -0.008, 0.004, -0.021, 0.015, 0.002, -0.035, 0.009,
	-0.004, 0.011, -0.017, 0.006, 0.003, -0.042, 0.008, 0.001,
	-0.002, 0.014, -0.011, 0.007,
}

func TestComputeVaRRejectsShortSeries(t *testing.T) {
	_, err := ComputeVaR([]float64{0.01}, 0.95, Historical)
	require.Error(t, err)

	var insufficient *domain.InsufficientDataError
	assert.True(t, errors.As(err, &insufficient))
}

func TestComputeVaRRejectsBadConfidence(t *testing.T) {
	_, err := ComputeVaR(sampleReturns, 1.0, Historical)
	assert.Error(t, err)
	_, err = ComputeVaR(sampleReturns, 0.0, Parametric)
	assert.Error(t, err)
	_, err = ComputeVaR(sampleReturns, 0.95, Method("bootstrap"))
	assert.Error(t, err)
}

func TestHistoricalVaRQuantile(t *testing.T) {
	res, err := ComputeVaR(sampleReturns, 0.95, Historical)
	require.NoError(t, err)

	// 20 observations at 95%: index int(0.05·20) = 1, the second-worst
	// return; CVaR averages everything below it.
	assert.InDelta(t, -0.035, res.VaR, 1e-12)
	assert.InDelta(t, -0.042, res.CVaR, 1e-12)
}

func TestCVaRMagnitudeAtLeastVaR(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		method     Method
	}{
		{name: "historical 95", confidence: 0.95, method: Historical},
		{name: "historical 99", confidence: 0.99, method: Historical},
		{name: "parametric 95", confidence: 0.95, method: Parametric},
		{name: "parametric 99", confidence: 0.99, method: Parametric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ComputeVaR(sampleReturns, tt.confidence, tt.method)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, math.Abs(res.CVaR), math.Abs(res.VaR))
		})
	}
}

func TestHistoricalVaRMonotoneInConfidence(t *testing.T) {
	at95, err := ComputeVaR(sampleReturns, 0.95, Historical)
	require.NoError(t, err)
	at99, err := ComputeVaR(sampleReturns, 0.99, Historical)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, math.Abs(at99.VaR), math.Abs(at95.VaR))
}

func TestParametricVaRFormula(t *testing.T) {
	res, err := ComputeVaR(sampleReturns, 0.95, Parametric)
	require.NoError(t, err)

	// z for the 5th percentile of the standard normal
	assert.Less(t, res.VaR, 0.0)
	assert.Less(t, res.CVaR, res.VaR)
}

func TestRollingVaRConstantSeries(t *testing.T) {
	series := make([]float64, 30)
	for i := range series {
		series[i] = 0.001
	}

	points, err := RollingVaR(series, 10, 5, 0.95, Historical)
	require.NoError(t, err)
	require.Len(t, points, 30)

	for _, p := range points {
		if !p.Defined {
			continue
		}
		// Zero volatility: every quantile equals the constant return.
		assert.InDelta(t, 0.001, p.VaR, 1e-12)
		assert.InDelta(t, 0.001, p.CVaR, 1e-12)
	}
}

func TestRollingVaRWarmup(t *testing.T) {
	points, err := RollingVaR(sampleReturns, 10, 5, 0.95, Historical)
	require.NoError(t, err)

	for i, p := range points {
		if i < 4 {
			assert.False(t, p.Defined, "point %d should be undefined during warm-up", i)
			assert.True(t, math.IsNaN(p.VaR))
		} else {
			assert.True(t, p.Defined, "point %d should be defined", i)
			assert.False(t, math.IsNaN(p.VaR))
		}
	}
}

func TestRollingVaRRejectsShortSeries(t *testing.T) {
	_, err := RollingVaR([]float64{0.01}, 10, 5, 0.95, Historical)
	assert.Error(t, err)

	_, err = RollingVaR(sampleReturns, 1, 5, 0.95, Historical)
	assert.Error(t, err)
}

type stubSource struct {
	series []float64
	err    error
}

func (s *stubSource) LatestPortfolioReturns() ([]float64, error) {
	return s.series, s.err
}

func TestMonitorRun(t *testing.T) {
	m := NewMonitor(MonitorConfig{Window: 10, MinPeriods: 5, Confidence: 0.95, VaRLimit: 0.01},
		&stubSource{series: sampleReturns}, zerolog.Nop())

	assert.Equal(t, "rolling-var-monitor", m.Name())
	assert.NoError(t, m.Run())
}

func TestMonitorRunShortHistoryIsNotAnError(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, &stubSource{series: []float64{0.01}}, zerolog.Nop())
	assert.NoError(t, m.Run())
}

func TestMonitorRunPropagatesSourceError(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, &stubSource{err: errors.New("store offline")}, zerolog.Nop())
	assert.Error(t, m.Run())
}
