package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter() *chi.Mux {
	h := NewHandler(252, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func matrixBody(n int) (dates []string, data map[string][]float64) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	dates = make([]string, n)
	aaa := make([]float64, n)
	bbb := make([]float64, n)
	for i := 0; i < n; i++ {
		dates[i] = start.AddDate(0, 0, i).Format("2006-01-02")
		if i%2 == 0 {
			aaa[i] = 0.015
			bbb[i] = -0.004
		} else {
			aaa[i] = -0.011
			bbb[i] = 0.006
		}
	}
	return dates, map[string][]float64{"AAA": aaa, "BBB": bbb}
}

func TestHandleAttribution(t *testing.T) {
	r := testRouter()
	dates, data := matrixBody(40)
	rec := postJSON(t, r, "/api/risk/attribution", map[string]interface{}{
		"dates":       dates,
		"returns":     data,
		"weights":     map[string]float64{"AAA": 0.5, "BBB": 0.5},
		"min_periods": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			PortfolioVolatility float64 `json:"portfolio_volatility"`
			Contributions       []struct {
				Asset    string  `json:"asset"`
				Relative float64 `json:"relative"`
			} `json:"contributions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.Data.PortfolioVolatility, 0.0)
	require.Len(t, resp.Data.Contributions, 2)

	total := 0.0
	for _, c := range resp.Data.Contributions {
		total += c.Relative
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestHandleAttributionRequiresWeights(t *testing.T) {
	r := testRouter()
	dates, data := matrixBody(40)
	rec := postJSON(t, r, "/api/risk/attribution", map[string]interface{}{
		"dates":   dates,
		"returns": data,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVaRFromPortfolioSeries(t *testing.T) {
	r := testRouter()
	series := []float64{0.01, -0.02, 0.005, -0.035, 0.012, -0.008, 0.02, -0.015, 0.003, -0.042}
	rec := postJSON(t, r, "/api/risk/var", map[string]interface{}{
		"portfolio_returns": series,
		"confidence":        0.95,
		"method":            "historical",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			VaR  float64 `json:"var"`
			CVaR float64 `json:"cvar"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Less(t, resp.Data.VaR, 0.0)
	assert.LessOrEqual(t, resp.Data.CVaR, resp.Data.VaR)
}

func TestHandleVaRFromMatrixAndWeights(t *testing.T) {
	r := testRouter()
	dates, data := matrixBody(40)
	rec := postJSON(t, r, "/api/risk/var", map[string]interface{}{
		"dates":   dates,
		"returns": data,
		"weights": map[string]float64{"AAA": 0.5, "BBB": 0.5},
		"method":  "parametric",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "parametric")
}

func TestHandleVaRRolling(t *testing.T) {
	r := testRouter()
	series := make([]float64, 30)
	for i := range series {
		if i%2 == 0 {
			series[i] = 0.01
		} else {
			series[i] = -0.012
		}
	}
	rec := postJSON(t, r, "/api/risk/var", map[string]interface{}{
		"portfolio_returns": series,
		"rolling":           map[string]int{"window": 15, "min_periods": 5},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Rolling []struct {
				Defined bool `json:"defined"`
			} `json:"rolling"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Rolling, 30)
	assert.False(t, resp.Data.Rolling[0].Defined)
	assert.True(t, resp.Data.Rolling[29].Defined)
}

func TestHandleVaRRequiresInput(t *testing.T) {
	r := testRouter()
	rec := postJSON(t, r, "/api/risk/var", map[string]interface{}{"confidence": 0.95})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVaRTooFewObservations(t *testing.T) {
	r := testRouter()
	rec := postJSON(t, r, "/api/risk/var", map[string]interface{}{
		"portfolio_returns": []float64{0.01},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
