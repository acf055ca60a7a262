// Package runs persists optimization and backtest results so past solves can
// be listed, inspected and replayed.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/perivale/allocator/internal/database"
	"github.com/perivale/allocator/internal/modules/optimization"
	"github.com/perivale/allocator/internal/modules/rebalancing"
	"github.com/perivale/allocator/pkg/formulas"
)

// Kind distinguishes stored run types.
type Kind string

const (
	KindOptimization Kind = "optimization"
	KindBacktest     Kind = "backtest"
)

// ErrNotFound is returned when no run exists for the requested id.
var ErrNotFound = errors.New("run not found")

// Record is one persisted run. Weights and Equity are only populated on
// single-record lookups, list queries return summaries.
type Record struct {
	ID             string             `json:"id"`
	Kind           Kind               `json:"kind"`
	Objective      string             `json:"objective"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpectedReturn float64            `json:"expected_return"`
	Volatility     float64            `json:"volatility"`
	TotalReturn    float64            `json:"total_return"`
	MaxDrawdown    float64            `json:"max_drawdown"`
	Weights        map[string]float64 `json:"weights,omitempty"`
	Equity         []float64          `json:"equity,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	objective       TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	expected_return REAL NOT NULL DEFAULT 0,
	volatility      REAL NOT NULL DEFAULT 0,
	total_return    REAL NOT NULL DEFAULT 0,
	max_drawdown    REAL NOT NULL DEFAULT 0,
	weights         BLOB,
	equity          BLOB
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

// Repository stores runs in SQLite with msgpack-encoded payload blobs.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates the repository and applies its schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply runs schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("component", "runs").Logger(),
	}, nil
}

// SaveOptimization persists a solver result and returns the new run id.
func (r *Repository) SaveOptimization(ctx context.Context, res *optimization.Result) (string, error) {
	id := uuid.NewString()

	weights, err := msgpack.Marshal(res.Weights)
	if err != nil {
		return "", fmt.Errorf("failed to encode weights: %w", err)
	}

	err = database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, kind, objective, created_at, expected_return, volatility, weights)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, KindOptimization, res.Objective, time.Now().UTC().Format(time.RFC3339),
			res.ExpectedReturn, res.Volatility, weights)
		return err
	})
	if err != nil {
		return "", err
	}

	r.log.Info().Str("run_id", id).Str("objective", res.Objective).Msg("Stored optimization run")
	return id, nil
}

// SaveBacktest persists a backtest result and returns the new run id. The
// final rebalance weights and the full equity curve are stored as blobs.
func (r *Repository) SaveBacktest(ctx context.Context, res *rebalancing.Result, objective string) (string, error) {
	id := uuid.NewString()

	var finalWeights map[string]float64
	if len(res.Events) > 0 {
		finalWeights = res.Events[len(res.Events)-1].Weights
	}
	weights, err := msgpack.Marshal(finalWeights)
	if err != nil {
		return "", fmt.Errorf("failed to encode weights: %w", err)
	}
	equity, err := msgpack.Marshal(res.Equity)
	if err != nil {
		return "", fmt.Errorf("failed to encode equity curve: %w", err)
	}

	err = database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, kind, objective, created_at, expected_return, volatility, total_return, max_drawdown, weights, equity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, KindBacktest, objective, time.Now().UTC().Format(time.RFC3339),
			res.AnnualizedReturn, res.AnnualizedVolatility, res.TotalReturn, res.MaxDrawdown,
			weights, equity)
		return err
	})
	if err != nil {
		return "", err
	}

	r.log.Info().Str("run_id", id).Str("objective", objective).Msg("Stored backtest run")
	return id, nil
}

// Get loads a full run record including payload blobs.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, kind, objective, created_at, expected_return, volatility, total_return, max_drawdown, weights, equity
		 FROM runs WHERE id = ?`, id)

	var rec Record
	var createdAt string
	var weights, equity []byte
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Objective, &createdAt,
		&rec.ExpectedReturn, &rec.Volatility, &rec.TotalReturn, &rec.MaxDrawdown,
		&weights, &equity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for run %s: %w", id, err)
	}
	if len(weights) > 0 {
		if err := msgpack.Unmarshal(weights, &rec.Weights); err != nil {
			return nil, fmt.Errorf("failed to decode weights for run %s: %w", id, err)
		}
	}
	if len(equity) > 0 {
		if err := msgpack.Unmarshal(equity, &rec.Equity); err != nil {
			return nil, fmt.Errorf("failed to decode equity curve for run %s: %w", id, err)
		}
	}
	return &rec, nil
}

// List returns run summaries newest first, without payload blobs.
func (r *Repository) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, objective, created_at, expected_return, volatility, total_return, max_drawdown
		 FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Objective, &createdAt,
			&rec.ExpectedReturn, &rec.Volatility, &rec.TotalReturn, &rec.MaxDrawdown); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at for run %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a run. Deleting a missing run returns ErrNotFound.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestPortfolioReturns derives the periodic return series of the most
// recent backtest's equity curve. Feeds the rolling VaR monitor.
func (r *Repository) LatestPortfolioReturns() ([]float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT equity FROM runs WHERE kind = ? ORDER BY created_at DESC, id LIMIT 1`,
		KindBacktest)

	var blob []byte
	err := row.Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest equity curve: %w", err)
	}

	var equity []float64
	if err := msgpack.Unmarshal(blob, &equity); err != nil {
		return nil, fmt.Errorf("failed to decode equity curve: %w", err)
	}
	return formulas.CalculateReturns(equity), nil
}
