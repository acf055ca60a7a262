package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perivale/allocator/internal/database"
	"github.com/perivale/allocator/internal/modules/optimization"
	"github.com/perivale/allocator/internal/modules/runs"
)

func testSetup(t *testing.T) (*chi.Mux, *runs.Repository) {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "runs.db"),
		Name: "runs-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := runs.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)

	h := NewHandler(repo, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r, repo
}

func seedRun(t *testing.T, repo *runs.Repository) string {
	t.Helper()
	id, err := repo.SaveOptimization(context.Background(), &optimization.Result{
		Assets:         []string{"AAA"},
		Weights:        map[string]float64{"AAA": 1.0},
		Objective:      "min_variance",
		ExpectedReturn: 0.05,
		Volatility:     0.10,
	})
	require.NoError(t, err)
	return id
}

func TestHandleListEmpty(t *testing.T) {
	r, _ := testSetup(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Runs []runs.Record `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.Runs)
}

func TestHandleListRejectsBadLimit(t *testing.T) {
	r, _ := testSetup(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGet(t *testing.T) {
	r, repo := testSetup(t)
	id := seedRun(t, repo)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data runs.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Data.ID)
	assert.InDelta(t, 1.0, resp.Data.Weights["AAA"], 1e-12)
}

func TestHandleGetNotFound(t *testing.T) {
	r, _ := testSetup(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	r, repo := testSetup(t)
	id := seedRun(t, repo)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/runs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/runs/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
