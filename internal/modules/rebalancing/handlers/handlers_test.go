package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/modules/rebalancing"
)

type stubSaver struct {
	saved     int
	objective string
}

func (s *stubSaver) SaveBacktest(_ context.Context, _ *rebalancing.Result, objective string) (string, error) {
	s.saved++
	s.objective = objective
	return "stub-id", nil
}

func testRouter(store Saver) *chi.Mux {
	h := NewHandler(store, 252, 0.0, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func backtestBody(n int) map[string]interface{} {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	dates := make([]string, n)
	aaa := make([]float64, n)
	bbb := make([]float64, n)
	for i := 0; i < n; i++ {
		dates[i] = start.AddDate(0, 0, i).Format("2006-01-02")
		if i%2 == 0 {
			aaa[i] = 0.012
			bbb[i] = -0.003
		} else {
			aaa[i] = -0.008
			bbb[i] = 0.005
		}
	}
	return map[string]interface{}{
		"dates":           dates,
		"returns":         map[string][]float64{"AAA": aaa, "BBB": bbb},
		"frequency":       "monthly",
		"initial_capital": 10000,
		"min_periods":     10,
	}
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

func TestHandleRun(t *testing.T) {
	r := testRouter(nil)
	rec := postJSON(t, r, "/api/backtest/run", backtestBody(70))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Result struct {
				Equity []float64 `json:"equity"`
				Events []struct {
					Date string `json:"date"`
				} `json:"events"`
			} `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Result.Equity, 70)
	assert.NotEmpty(t, resp.Data.Result.Events)
}

func TestHandleRunRejectsZeroCapital(t *testing.T) {
	r := testRouter(nil)
	body := backtestBody(70)
	body["initial_capital"] = 0
	rec := postJSON(t, r, "/api/backtest/run", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunUnknownFrequency(t *testing.T) {
	r := testRouter(nil)
	body := backtestBody(70)
	body["frequency"] = "fortnightly"
	rec := postJSON(t, r, "/api/backtest/run", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunSavesWhenRequested(t *testing.T) {
	store := &stubSaver{}
	r := testRouter(store)
	body := backtestBody(70)
	body["save"] = true
	body["objective"] = map[string]interface{}{"type": "max_sharpe"}

	rec := postJSON(t, r, "/api/backtest/run", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.saved)
	assert.Equal(t, "max_sharpe", store.objective)
	assert.Contains(t, rec.Body.String(), "stub-id")
}
