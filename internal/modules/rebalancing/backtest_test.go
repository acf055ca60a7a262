package rebalancing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/modules/optimization"
	"github.com/perivale/allocator/internal/modules/returns"
)

// tradingDates generates n consecutive calendar dates starting 2024-01-02.
func tradingDates(n int) []string {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]string, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	return out
}

func constantMatrix(t *testing.T, n int, perAsset map[string]float64) *returns.Matrix {
	t.Helper()
	data := make(map[string][]float64, len(perAsset))
	for asset, r := range perAsset {
		col := make([]float64, n)
		for i := range col {
			col[i] = r
		}
		data[asset] = col
	}
	rm, err := returns.New(tradingDates(n), data)
	require.NoError(t, err)
	return rm
}

func TestZeroReturnsGiveFlatEquityAndZeroDrawdown(t *testing.T) {
	rm := constantMatrix(t, 70, map[string]float64{"AAA": 0, "BBB": 0})
	bt := NewBacktester(zerolog.Nop())

	res, err := bt.Run(rm, Config{
		Frequency:      Monthly,
		InitialCapital: 10000,
		MinPeriods:     10,
	})
	require.NoError(t, err)
	require.Len(t, res.Equity, 70)

	for i, v := range res.Equity {
		assert.InDelta(t, 10000.0, v, 1e-9, "equity at %d", i)
		assert.InDelta(t, 0.0, res.Drawdown[i], 1e-12, "drawdown at %d", i)
	}
	assert.InDelta(t, 0.0, res.TotalReturn, 1e-12)
	assert.InDelta(t, 0.0, res.MaxDrawdown, 1e-12)
	assert.NotEmpty(t, res.Events)
}

func TestRebalanceFlagsMonthly(t *testing.T) {
	dates := tradingDates(70) // spans January into March
	flags, err := rebalanceFlags(dates, Monthly, 10)
	require.NoError(t, err)

	var hits []string
	for i, f := range flags {
		if f {
			hits = append(hits, dates[i])
		}
	}
	// History gate suppresses January; February and March qualify.
	assert.Equal(t, []string{"2024-02-01", "2024-03-01"}, hits)
}

func TestRebalanceFlagsRejectUnknownFrequency(t *testing.T) {
	_, err := rebalanceFlags(tradingDates(10), Frequency("weekly"), 2)
	assert.Error(t, err)
}

func TestFailFastAttachesOffendingDate(t *testing.T) {
	rm := constantMatrix(t, 70, map[string]float64{"AAA": 0.001, "BBB": 0.002})
	bt := NewBacktester(zerolog.Nop())

	// Upper bounds sum below 100%: every solve fails validation.
	cs := optimization.NewConstraintSet().
		WithBound("AAA", 0, 0.3).
		WithBound("BBB", 0, 0.3)

	_, err := bt.Run(rm, Config{
		Frequency:      Monthly,
		InitialCapital: 10000,
		MinPeriods:     10,
		Constraints:    cs,
		Fallback:       FailFast,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-02-01")
}

func TestFallbackEqualWeightRecordsEvent(t *testing.T) {
	rm := constantMatrix(t, 70, map[string]float64{"AAA": 0.001, "BBB": 0.002})
	bt := NewBacktester(zerolog.Nop())

	cs := optimization.NewConstraintSet().
		WithBound("AAA", 0, 0.3).
		WithBound("BBB", 0, 0.3)

	res, err := bt.Run(rm, Config{
		Frequency:      Monthly,
		InitialCapital: 10000,
		MinPeriods:     10,
		Constraints:    cs,
		Fallback:       FallbackEqualWeight,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)

	for _, ev := range res.Events {
		assert.True(t, ev.Fallback)
		assert.InDelta(t, 0.5, ev.Weights["AAA"], 1e-12)
		assert.InDelta(t, 0.5, ev.Weights["BBB"], 1e-12)
	}
	assert.Greater(t, res.TotalReturn, 0.0)
}

func TestDriftModeOutperformsFixedOnMonotonicWinner(t *testing.T) {
	rm := constantMatrix(t, 90, map[string]float64{"AAA": 0.01, "BBB": 0.0})
	bt := NewBacktester(zerolog.Nop())

	base := Config{
		Frequency:      Monthly,
		InitialCapital: 10000,
		MinPeriods:     10,
	}

	drift, err := bt.Run(rm, base)
	require.NoError(t, err)

	fixed := base
	fixed.FixedWeights = true
	fixedRes, err := bt.Run(rm, fixed)
	require.NoError(t, err)

	// Drifting concentrates into the winning asset between rebalances.
	assert.Greater(t, drift.Equity[len(drift.Equity)-1], fixedRes.Equity[len(fixedRes.Equity)-1])
}

func TestHoldingReturnsCompose(t *testing.T) {
	rm := constantMatrix(t, 90, map[string]float64{"AAA": 0.002, "BBB": 0.001})
	bt := NewBacktester(zerolog.Nop())

	res, err := bt.Run(rm, Config{
		Frequency:      Monthly,
		InitialCapital: 10000,
		MinPeriods:     10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)

	// Chaining the holding-period returns from the first rebalance value
	// reproduces the final equity. The portfolio sits in cash before the
	// first event, so that value equals the initial capital.
	product := 1.0
	for _, ev := range res.Events {
		product *= 1 + ev.HoldingReturn
	}
	final := res.Equity[len(res.Equity)-1]
	assert.InDelta(t, final/10000.0, product, 1e-9)
}

func TestRunRejectsNonPositiveCapital(t *testing.T) {
	rm := constantMatrix(t, 40, map[string]float64{"AAA": 0.001})
	bt := NewBacktester(zerolog.Nop())

	_, err := bt.Run(rm, Config{Frequency: Monthly, InitialCapital: 0})
	assert.Error(t, err)
}

func TestAdvanceDriftsWeights(t *testing.T) {
	st := state{weights: []float64{0.5, 0.5}, value: 1000}
	next := advance(st, []float64{0.10, -0.10}, false)

	// Period return is zero; value unchanged, weights drift toward the
	// gainer.
	assert.InDelta(t, 1000.0, next.value, 1e-9)
	assert.InDelta(t, 0.55, next.weights[0], 1e-12)
	assert.InDelta(t, 0.45, next.weights[1], 1e-12)
}

func TestAdvanceFixedKeepsWeights(t *testing.T) {
	st := state{weights: []float64{0.5, 0.5}, value: 1000}
	next := advance(st, []float64{0.10, -0.10}, true)

	assert.InDelta(t, 1000.0, next.value, 1e-9)
	assert.Equal(t, st.weights, next.weights)
}

func TestAdvanceCashStateIsInert(t *testing.T) {
	st := state{value: 1000}
	next := advance(st, []float64{0.10, -0.10}, false)
	assert.Equal(t, st, next)
}
