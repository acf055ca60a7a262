package formulas

import "math"

// SharpeRatio calculates the annualized Sharpe ratio from periodic returns
//
// Formula:
//   Sharpe = (annualized return - risk free rate) / annualized volatility
//
// Args:
//   returns: periodic returns
//   riskFreeRate: annual risk-free rate (e.g., 0.02)
//   periodsPerYear: annualization basis (252 for daily data)
//
// Returns:
//   Sharpe ratio, or 0 when volatility is zero
func SharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) float64 {
	vol := AnnualizedVolatility(returns, periodsPerYear)
	if vol == 0 {
		return 0
	}
	return (AnnualizedReturn(returns, periodsPerYear) - riskFreeRate) / vol
}

// SortinoRatio calculates the annualized Sortino ratio: like Sharpe, but the
// denominator only penalizes downside deviation (returns below zero).
func SortinoRatio(returns []float64, riskFreeRate float64, periodsPerYear int) float64 {
	if len(returns) == 0 {
		return 0
	}

	sumSq := 0.0
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
		}
	}
	downside := math.Sqrt(sumSq/float64(len(returns))) * math.Sqrt(float64(periodsPerYear))
	if downside == 0 {
		return 0
	}
	return (AnnualizedReturn(returns, periodsPerYear) - riskFreeRate) / downside
}
