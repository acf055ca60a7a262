// Package returns provides the aligned return matrix that all estimation,
// optimization and backtesting modules consume.
package returns

import (
	"fmt"
	"sort"

	"github.com/perivale/allocator/pkg/formulas"
)

// Matrix holds aligned periodic returns per asset. Every asset column shares
// the same date index and has no missing values. Read-only after construction.
type Matrix struct {
	dates  []string
	data   map[string][]float64
	assets []string
}

// Series is a single named date-indexed value series, the raw input shape
// produced by external data loaders.
type Series struct {
	Asset  string
	Dates  []string
	Values []float64
}

// New builds a Matrix from pre-aligned data. Fails if any column length does
// not match the date index.
func New(dates []string, data map[string][]float64) (*Matrix, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("empty date index")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no asset columns")
	}

	assets := make([]string, 0, len(data))
	for asset, col := range data {
		if len(col) != len(dates) {
			return nil, fmt.Errorf("column %s has %d rows, date index has %d", asset, len(col), len(dates))
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	return &Matrix{dates: dates, data: data, assets: assets}, nil
}

// FromPrices converts aligned price columns into a return matrix. The first
// price row is consumed to seed the return calculation.
func FromPrices(dates []string, prices map[string][]float64) (*Matrix, error) {
	if len(dates) < 2 {
		return nil, fmt.Errorf("need at least 2 price rows, got %d", len(dates))
	}

	data := make(map[string][]float64, len(prices))
	for asset, col := range prices {
		if len(col) != len(dates) {
			return nil, fmt.Errorf("price column %s has %d rows, date index has %d", asset, len(col), len(dates))
		}
		data[asset] = formulas.CalculateReturns(col)
	}

	return New(dates[1:], data)
}

// AlignByIntersection builds a Matrix from independently-indexed return
// series, keeping only dates present in every series.
func AlignByIntersection(series ...Series) (*Matrix, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("no series provided")
	}

	counts := make(map[string]int)
	for _, s := range series {
		if len(s.Dates) != len(s.Values) {
			return nil, fmt.Errorf("series %s: %d dates but %d values", s.Asset, len(s.Dates), len(s.Values))
		}
		seen := make(map[string]bool, len(s.Dates))
		for _, d := range s.Dates {
			if !seen[d] {
				counts[d]++
				seen[d] = true
			}
		}
	}

	var common []string
	for d, c := range counts {
		if c == len(series) {
			common = append(common, d)
		}
	}
	if len(common) == 0 {
		return nil, fmt.Errorf("no common dates across %d series", len(series))
	}
	sort.Strings(common)

	data := make(map[string][]float64, len(series))
	for _, s := range series {
		lookup := make(map[string]float64, len(s.Dates))
		for i, d := range s.Dates {
			lookup[d] = s.Values[i]
		}
		col := make([]float64, len(common))
		for i, d := range common {
			col[i] = lookup[d]
		}
		data[s.Asset] = col
	}

	return New(common, data)
}

// Assets returns the asset identifiers in sorted order.
func (m *Matrix) Assets() []string {
	out := make([]string, len(m.assets))
	copy(out, m.assets)
	return out
}

// Dates returns the date index.
func (m *Matrix) Dates() []string {
	out := make([]string, len(m.dates))
	copy(out, m.dates)
	return out
}

// Len returns the number of periods.
func (m *Matrix) Len() int {
	return len(m.dates)
}

// NumAssets returns the number of asset columns.
func (m *Matrix) NumAssets() int {
	return len(m.assets)
}

// Column returns the return series for one asset.
func (m *Matrix) Column(asset string) ([]float64, error) {
	col, ok := m.data[asset]
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", asset)
	}
	return col, nil
}

// Row returns the per-asset returns at row i, ordered like Assets().
func (m *Matrix) Row(i int) []float64 {
	row := make([]float64, len(m.assets))
	for j, asset := range m.assets {
		row[j] = m.data[asset][i]
	}
	return row
}

// Window returns a new Matrix over rows [start, end). The underlying column
// slices are shared; the Matrix contract keeps them read-only.
func (m *Matrix) Window(start, end int) (*Matrix, error) {
	if start < 0 || end > len(m.dates) || start >= end {
		return nil, fmt.Errorf("invalid window [%d, %d) over %d rows", start, end, len(m.dates))
	}

	data := make(map[string][]float64, len(m.data))
	for asset, col := range m.data {
		data[asset] = col[start:end]
	}
	return New(m.dates[start:end], data)
}

// PortfolioReturns computes the weighted portfolio return series for a
// weight vector keyed by asset. Assets absent from the weights contribute
// zero.
func (m *Matrix) PortfolioReturns(weights map[string]float64) []float64 {
	out := make([]float64, len(m.dates))
	for asset, w := range weights {
		col, ok := m.data[asset]
		if !ok {
			continue
		}
		for i, r := range col {
			out[i] += w * r
		}
	}
	return out
}
