// Package factors applies technical-signal tilts to estimated expected
// returns. Tilts are bounded and deterministic, the covariance estimate is
// never touched.
package factors

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/returns"
)

const (
	// DefaultMomentumLookback is the rate-of-change window in periods.
	DefaultMomentumLookback = 20

	// DefaultRSIPeriod is the RSI window in periods.
	DefaultRSIPeriod = 14

	// DefaultMaxTilt bounds the relative adjustment of any expected return.
	DefaultMaxTilt = 0.20
)

// Config controls the tilt computation.
type Config struct {
	MomentumLookback int
	RSIPeriod        int
	MaxTilt          float64
}

// DefaultConfig returns the standard tilt parameters.
func DefaultConfig() Config {
	return Config{
		MomentumLookback: DefaultMomentumLookback,
		RSIPeriod:        DefaultRSIPeriod,
		MaxTilt:          DefaultMaxTilt,
	}
}

// Tilter computes signal-tilted mean estimates.
type Tilter struct {
	cfg Config
	log zerolog.Logger
}

// NewTilter creates a tilter, filling zero config fields with defaults.
func NewTilter(cfg Config, log zerolog.Logger) *Tilter {
	if cfg.MomentumLookback <= 0 {
		cfg.MomentumLookback = DefaultMomentumLookback
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = DefaultRSIPeriod
	}
	if cfg.MaxTilt <= 0 {
		cfg.MaxTilt = DefaultMaxTilt
	}
	return &Tilter{
		cfg: cfg,
		log: log.With().Str("component", "factors").Logger(),
	}
}

// TiltedMeans returns a copy of est with expected returns tilted by momentum
// and RSI signals derived from rm. Assets without enough history keep their
// untilted mean. Covariance, periods and the regularization flag carry over
// unchanged.
func (f *Tilter) TiltedMeans(rm *returns.Matrix, est *moments.Estimates) (*moments.Estimates, error) {
	tilted := make([]float64, len(est.Mean))
	copy(tilted, est.Mean)

	for i, asset := range est.Assets {
		col, err := rm.Column(asset)
		if err != nil {
			return nil, err
		}
		tilt := f.assetTilt(col)
		tilted[i] = est.Mean[i] * (1 + tilt)
	}

	out := &moments.Estimates{
		Assets:      est.Assets,
		Mean:        tilted,
		Cov:         est.Cov,
		Periods:     est.Periods,
		Regularized: est.Regularized,
	}

	f.log.Debug().
		Int("assets", len(est.Assets)).
		Float64("max_tilt", f.cfg.MaxTilt).
		Msg("Applied factor tilts to mean estimates")

	return out, nil
}

// assetTilt blends a momentum and an RSI score into a bounded relative tilt.
// Both scores live in [-1, 1]; their average scales MaxTilt.
func (f *Tilter) assetTilt(rets []float64) float64 {
	prices := syntheticPrices(rets)

	momentum, okMom := momentumScore(prices, f.cfg.MomentumLookback)
	rsi, okRSI := rsiScore(prices, f.cfg.RSIPeriod)

	switch {
	case okMom && okRSI:
		return f.cfg.MaxTilt * (momentum + rsi) / 2
	case okMom:
		return f.cfg.MaxTilt * momentum
	case okRSI:
		return f.cfg.MaxTilt * rsi
	default:
		return 0
	}
}

// syntheticPrices builds a cumulative price path from periodic returns,
// starting at 1.
func syntheticPrices(rets []float64) []float64 {
	prices := make([]float64, len(rets)+1)
	prices[0] = 1
	for i, r := range rets {
		prices[i+1] = prices[i] * (1 + r)
	}
	return prices
}

// momentumScore maps the latest rate-of-change reading through tanh so large
// moves saturate instead of dominating.
func momentumScore(prices []float64, lookback int) (float64, bool) {
	if len(prices) < lookback+1 {
		return 0, false
	}
	roc := talib.Roc(prices, lookback)
	last := roc[len(roc)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return math.Tanh(last / 10), true
}

// rsiScore centers the latest RSI reading at 50 and rescales to [-1, 1].
func rsiScore(prices []float64, period int) (float64, bool) {
	if len(prices) < period+1 {
		return 0, false
	}
	rsi := talib.Rsi(prices, period)
	last := rsi[len(rsi)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return (last - 50) / 50, true
}
