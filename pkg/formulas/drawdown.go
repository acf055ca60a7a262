package formulas

// DrawdownMetrics represents drawdown analysis results
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`     // Maximum drawdown (as positive fraction, e.g., 0.25 = 25% drawdown)
	CurrentDrawdown float64 `json:"current_drawdown"` // Current drawdown from peak
	PeriodsInDD     int     `json:"periods_in_dd"`    // Periods since peak
	PeakValue       float64 `json:"peak_value"`       // Value at peak
	CurrentValue    float64 `json:"current_value"`    // Current value
}

// DrawdownSeries calculates the drawdown at every point of a value series,
// expressed as a non-positive fraction of the running peak
// (0 at a new peak, -0.25 when 25% below the peak).
func DrawdownSeries(values []float64) []float64 {
	dd := make([]float64, len(values))
	if len(values) == 0 {
		return dd
	}

	peak := values[0]
	for i, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd[i] = v/peak - 1
		}
	}
	return dd
}

// MaxDrawdown calculates the maximum drawdown from a value series
//
// Args:
//   values: portfolio values (equity curve)
//
// Returns:
//   Maximum drawdown as positive fraction (0.25 = 25% loss from peak)
func MaxDrawdown(values []float64) float64 {
	maxDD := 0.0
	for _, d := range DrawdownSeries(values) {
		if -d > maxDD {
			maxDD = -d
		}
	}
	return maxDD
}

// CalculateDrawdownMetrics calculates comprehensive drawdown metrics
// including current drawdown and periods spent below the peak
func CalculateDrawdownMetrics(values []float64) *DrawdownMetrics {
	if len(values) < 2 {
		return nil
	}

	maxDD := 0.0
	peak := values[0]
	peakIndex := 0
	current := values[len(values)-1]

	for i, v := range values {
		if v > peak {
			peak = v
			peakIndex = i
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	currentDD := 0.0
	if peak > 0 {
		currentDD = (peak - current) / peak
	}

	return &DrawdownMetrics{
		MaxDrawdown:     maxDD,
		CurrentDrawdown: currentDD,
		PeriodsInDD:     len(values) - 1 - peakIndex,
		PeakValue:       peak,
		CurrentValue:    current,
	}
}
