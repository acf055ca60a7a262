package optimization

import (
	"errors"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/moments"
)

// FrontierPoint is one solved point on the efficient frontier.
type FrontierPoint struct {
	TargetReturn   float64            `json:"target_return"`
	ExpectedReturn float64            `json:"expected_return"`
	Volatility     float64            `json:"volatility"`
	Weights        map[string]float64 `json:"weights"`
}

// FrontierTargets returns nPoints evenly spaced target returns spanning the
// per-asset expected-return range.
func FrontierTargets(est *moments.Estimates, nPoints int) []float64 {
	if nPoints < 2 {
		nPoints = 2
	}

	lo, hi := est.Mean[0], est.Mean[0]
	for _, m := range est.Mean[1:] {
		if m < lo {
			lo = m
		}
		if m > hi {
			hi = m
		}
	}

	targets := make([]float64, nPoints)
	step := (hi - lo) / float64(nPoints-1)
	for i := range targets {
		targets[i] = lo + float64(i)*step
	}
	return targets
}

// CloneWithTargetReturn copies the constraint set with a different minimum
// target return, leaving the receiver untouched.
func (cs *ConstraintSet) CloneWithTargetReturn(target float64) *ConstraintSet {
	clone := NewConstraintSet()
	for a, b := range cs.bounds {
		clone.bounds[a] = b
	}
	for a, g := range cs.assetGroups {
		clone.assetGroups[a] = g
	}
	for g, b := range cs.groupBounds {
		clone.groupBounds[g] = b
	}
	if cs.maxConcentration != nil {
		ceiling := *cs.maxConcentration
		clone.maxConcentration = &ceiling
	}
	clone.targetReturn = &target
	return clone
}

// EfficientFrontier sweeps minimum-variance solves across the target-return
// range. Targets the solver proves infeasible are skipped; every other error
// aborts the sweep.
func (s *Solver) EfficientFrontier(est *moments.Estimates, cs *ConstraintSet, nPoints int) ([]FrontierPoint, error) {
	if cs == nil {
		cs = NewConstraintSet()
	}

	var points []FrontierPoint
	for _, target := range FrontierTargets(est, nPoints) {
		res, err := s.Solve(est, cs.CloneWithTargetReturn(target), MinVariance{})
		if err != nil {
			var infeasible *domain.InfeasibleConstraintsError
			var violated *domain.ConstraintViolationError
			if errors.As(err, &infeasible) || errors.As(err, &violated) {
				continue
			}
			return nil, err
		}
		points = append(points, FrontierPoint{
			TargetReturn:   target,
			ExpectedReturn: res.ExpectedReturn,
			Volatility:     res.Volatility,
			Weights:        res.Weights,
		})
	}

	if len(points) == 0 {
		return nil, &domain.InfeasibleConstraintsError{Reason: "no feasible frontier point in the target return range"}
	}
	return points, nil
}
