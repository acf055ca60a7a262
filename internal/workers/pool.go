// Package workers runs independent optimization solves in parallel on a
// bounded pool. Moment estimates are shared read-only; every result lands in
// a pre-sized slice keyed by request index, so no ordering races exist.
package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/optimization"
)

// SolveRequest is one independent optimization task.
type SolveRequest struct {
	Estimates   *moments.Estimates
	Constraints *optimization.ConstraintSet
	Objective   optimization.Objective
}

// SolveOutcome pairs a request's result with its error, in input order.
type SolveOutcome struct {
	Result *optimization.Result
	Err    error
}

// Pool manages a bounded set of solver goroutines.
type Pool struct {
	numWorkers int
	solver     *optimization.Solver
	log        zerolog.Logger
}

// NewPool creates a pool with the given concurrency.
func NewPool(numWorkers int, log zerolog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Pool{
		numWorkers: numWorkers,
		solver:     optimization.NewSolver(log),
		log:        log.With().Str("component", "workers").Logger(),
	}
}

// RunBatch solves every request and returns outcomes in input order.
// Cancellation is coarse-grained: the context is checked between tasks, an
// individual solve always runs to completion.
func (p *Pool) RunBatch(ctx context.Context, requests []SolveRequest) []SolveOutcome {
	n := len(requests)
	if n == 0 {
		return []SolveOutcome{}
	}

	jobs := make(chan int, n)
	results := make(chan indexedOutcome, n)

	workers := p.numWorkers
	if n < workers {
		workers = n
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := ctx.Err(); err != nil {
					results <- indexedOutcome{index: idx, outcome: SolveOutcome{Err: err}}
					continue
				}
				req := requests[idx]
				res, err := p.solver.Solve(req.Estimates, req.Constraints, req.Objective)
				results <- indexedOutcome{index: idx, outcome: SolveOutcome{Result: res, Err: err}}
			}
		}()
	}

	for idx := range requests {
		jobs <- idx
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]SolveOutcome, n)
	for r := range results {
		outcomes[r.index] = r.outcome
	}
	return outcomes
}

// FrontierBatch builds and runs the request grid for an efficient frontier
// sweep, one minimum-variance solve per target return.
func (p *Pool) FrontierBatch(ctx context.Context, est *moments.Estimates, cs *optimization.ConstraintSet, nPoints int) []SolveOutcome {
	if cs == nil {
		cs = optimization.NewConstraintSet()
	}
	targets := optimization.FrontierTargets(est, nPoints)
	requests := make([]SolveRequest, len(targets))
	for i, target := range targets {
		requests[i] = SolveRequest{
			Estimates:   est,
			Constraints: cs.CloneWithTargetReturn(target),
			Objective:   optimization.MinVariance{},
		}
	}
	return p.RunBatch(ctx, requests)
}

type indexedOutcome struct {
	index   int
	outcome SolveOutcome
}
