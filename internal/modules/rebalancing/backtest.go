// Package rebalancing simulates periodic re-optimization of a portfolio over
// a historical return matrix, producing an equity curve, drawdowns and the
// rebalance event log.
package rebalancing

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/optimization"
	"github.com/perivale/allocator/internal/modules/returns"
	"github.com/perivale/allocator/pkg/formulas"
)

// Frequency selects how often the portfolio re-optimizes.
type Frequency string

const (
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

// FallbackPolicy decides what happens when the optimizer fails at a
// rebalance date.
type FallbackPolicy string

const (
	// FailFast surfaces the optimizer error with the offending date.
	FailFast FallbackPolicy = "fail_fast"

	// FallbackEqualWeight switches to equal weighting for the period and
	// records the fallback on the event.
	FallbackEqualWeight FallbackPolicy = "equal_weight"
)

// Config drives one backtest run.
type Config struct {
	Objective           optimization.Objective
	Constraints         *optimization.ConstraintSet
	Frequency           Frequency
	InitialCapital      float64
	AnnualizationFactor int  // 252 when zero
	MinPeriods          int  // estimation history required before the first rebalance
	FixedWeights        bool // re-normalize to target daily instead of drifting
	Fallback            FallbackPolicy
	RiskFreeRate        float64 // for the equity-curve Sharpe/Sortino
}

// RebalanceEvent records one re-optimization.
type RebalanceEvent struct {
	Date          string             `json:"date"`
	Weights       map[string]float64 `json:"weights"`
	Fallback      bool               `json:"fallback"`
	HoldingReturn float64            `json:"holding_return"` // realized until the next event
}

// Result is the terminal backtest output.
type Result struct {
	Dates                []string         `json:"dates"`
	Equity               []float64        `json:"equity"`
	Drawdown             []float64        `json:"drawdown"` // non-positive fractions of the running peak
	Events               []RebalanceEvent `json:"events"`
	TotalReturn          float64          `json:"total_return"`
	AnnualizedReturn     float64          `json:"annualized_return"`
	AnnualizedVolatility float64          `json:"annualized_volatility"`
	MaxDrawdown          float64          `json:"max_drawdown"`
	Sharpe               float64          `json:"sharpe"`
	Sortino              float64          `json:"sortino"`
}

// PortfolioReturns derives the periodic return series of the equity curve.
func (r *Result) PortfolioReturns() []float64 {
	return formulas.CalculateReturns(r.Equity)
}

// Backtester re-estimates moments and re-solves the optimizer at every
// rebalance date.
type Backtester struct {
	solver *optimization.Solver
	log    zerolog.Logger
}

// NewBacktester creates a backtester with its own solver.
func NewBacktester(log zerolog.Logger) *Backtester {
	return &Backtester{
		solver: optimization.NewSolver(log),
		log:    log.With().Str("component", "backtest").Logger(),
	}
}

// Run executes the backtest over the full return matrix. The rebalance loop
// is inherently sequential; each period depends on the previous state.
func (b *Backtester) Run(rm *returns.Matrix, cfg Config) (*Result, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %g", cfg.InitialCapital)
	}
	if cfg.Objective == nil {
		cfg.Objective = optimization.MinVariance{}
	}
	if cfg.Constraints == nil {
		cfg.Constraints = optimization.NewConstraintSet()
	}
	if cfg.MinPeriods <= 0 {
		cfg.MinPeriods = moments.DefaultMinPeriods
	}
	if cfg.AnnualizationFactor <= 0 {
		cfg.AnnualizationFactor = formulas.TradingDaysPerYear
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FailFast
	}

	dates := rm.Dates()
	rebalance, err := rebalanceFlags(dates, cfg.Frequency, cfg.MinPeriods)
	if err != nil {
		return nil, err
	}

	estimator := moments.NewEstimator(b.log)
	estimator.MinPeriods = cfg.MinPeriods

	assets := rm.Assets()
	st := state{value: cfg.InitialCapital}
	equity := make([]float64, rm.Len())
	var events []RebalanceEvent
	eventValues := []float64{}

	for t := 0; t < rm.Len(); t++ {
		if rebalance[t] {
			weights, fallback, err := b.solveAt(estimator, rm, cfg, t, st.weights)
			if err != nil {
				return nil, fmt.Errorf("rebalance at %s: %w", dates[t], err)
			}
			st.weights = weights
			events = append(events, RebalanceEvent{
				Date:     dates[t],
				Weights:  weightMap(assets, weights),
				Fallback: fallback,
			})
			eventValues = append(eventValues, st.value)
		}

		st = advance(st, rm.Row(t), cfg.FixedWeights)
		equity[t] = st.value
	}

	// Realized return of each holding period, the last one running to the
	// end of the sample.
	for i := range events {
		start := eventValues[i]
		end := st.value
		if i+1 < len(events) {
			end = eventValues[i+1]
		}
		if start > 0 {
			events[i].HoldingReturn = end/start - 1
		}
	}

	result := &Result{
		Dates:    dates,
		Equity:   equity,
		Drawdown: formulas.DrawdownSeries(equity),
		Events:   events,
	}
	b.fillMetrics(result, cfg)

	b.log.Info().
		Int("periods", rm.Len()).
		Int("rebalances", len(events)).
		Float64("total_return", result.TotalReturn).
		Float64("max_drawdown", result.MaxDrawdown).
		Msg("Backtest finished")

	return result, nil
}

// solveAt re-estimates moments from all rows strictly before t and solves
// the configured objective. Returns equal weights under the fallback policy
// when the optimizer fails.
func (b *Backtester) solveAt(estimator *moments.Estimator, rm *returns.Matrix, cfg Config, t int, current []float64) ([]float64, bool, error) {
	window, err := rm.Window(0, t)
	if err != nil {
		return nil, false, err
	}

	est, err := estimator.Estimate(window, cfg.AnnualizationFactor)
	if err == nil {
		objective := cfg.Objective
		if cp, ok := objective.(optimization.CustomPenalty); ok {
			if cp.DownsideLambda > 0 && cp.History == nil {
				cp.History = window
			}
			if cp.TurnoverLambda > 0 && cp.PrevWeights == nil && current != nil {
				cp.PrevWeights = weightMap(rm.Assets(), current)
			}
			objective = cp
		}

		var res *optimization.Result
		res, err = b.solver.Solve(est, cfg.Constraints, objective)
		if err == nil {
			w := make([]float64, len(est.Assets))
			for i, a := range est.Assets {
				w[i] = res.Weights[a]
			}
			return w, false, nil
		}
	}

	if cfg.Fallback != FallbackEqualWeight {
		return nil, false, err
	}

	b.log.Warn().
		Err(err).
		Str("date", rm.Dates()[t]).
		Msg("Optimizer failed, falling back to equal weights")

	n := rm.NumAssets()
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1.0 / float64(n)
	}
	return equal, true, nil
}

func (b *Backtester) fillMetrics(r *Result, cfg Config) {
	if len(r.Equity) == 0 {
		return
	}
	r.TotalReturn = r.Equity[len(r.Equity)-1]/cfg.InitialCapital - 1
	r.MaxDrawdown = formulas.MaxDrawdown(r.Equity)

	rets := r.PortfolioReturns()
	r.AnnualizedReturn = formulas.AnnualizedReturn(rets, cfg.AnnualizationFactor)
	r.AnnualizedVolatility = formulas.AnnualizedVolatility(rets, cfg.AnnualizationFactor)
	r.Sharpe = formulas.SharpeRatio(rets, cfg.RiskFreeRate, cfg.AnnualizationFactor)
	r.Sortino = formulas.SortinoRatio(rets, cfg.RiskFreeRate, cfg.AnnualizationFactor)
}

// rebalanceFlags marks the first trading date of every new period, once at
// least minPeriods of history exist strictly before it.
func rebalanceFlags(dates []string, freq Frequency, minPeriods int) ([]bool, error) {
	flags := make([]bool, len(dates))
	lastKey := ""
	for i, d := range dates {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, fmt.Errorf("unparseable date %q: %w", d, err)
		}

		var key string
		switch freq {
		case Monthly:
			key = fmt.Sprintf("%d-%02d", parsed.Year(), parsed.Month())
		case Quarterly:
			key = fmt.Sprintf("%d-Q%d", parsed.Year(), (int(parsed.Month())-1)/3)
		case Yearly:
			key = fmt.Sprintf("%d", parsed.Year())
		default:
			return nil, fmt.Errorf("unknown rebalance frequency %q", freq)
		}

		if key != lastKey && i >= minPeriods {
			flags[i] = true
		}
		lastKey = key
	}
	return flags, nil
}

func weightMap(assets []string, w []float64) map[string]float64 {
	out := make(map[string]float64, len(assets))
	for i, a := range assets {
		out[a] = w[i]
	}
	return out
}
