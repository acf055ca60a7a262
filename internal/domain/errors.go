// Package domain holds the core types and error taxonomy shared across the
// estimation, optimization, risk and backtesting modules.
package domain

import "fmt"

// InsufficientDataError is returned when an estimation is requested over fewer
// observations than the configured minimum.
type InsufficientDataError struct {
	Available int
	Required  int
	Context   string
}

func (e *InsufficientDataError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("insufficient data for %s: %d observations available, need at least %d", e.Context, e.Available, e.Required)
	}
	return fmt.Sprintf("insufficient data: %d observations available, need at least %d", e.Available, e.Required)
}

// ConstraintConflictError indicates an internally inconsistent constraint set,
// detected by validation before any solve is attempted.
type ConstraintConflictError struct {
	Reason string
}

func (e *ConstraintConflictError) Error() string {
	return fmt.Sprintf("constraint conflict: %s", e.Reason)
}

// InfeasibleConstraintsError indicates the solver could not find any point
// satisfying the constraints.
type InfeasibleConstraintsError struct {
	Reason string
}

func (e *InfeasibleConstraintsError) Error() string {
	return fmt.Sprintf("infeasible constraints: %s", e.Reason)
}

// DegenerateSolutionError indicates the max-Sharpe variable substitution
// produced a scale factor too close to zero to recover portfolio weights.
type DegenerateSolutionError struct {
	Scale float64
}

func (e *DegenerateSolutionError) Error() string {
	return fmt.Sprintf("degenerate solution: substitution scale factor %g is below tolerance", e.Scale)
}

// SolverNumericalError indicates the solver failed to converge or produced a
// non-finite result.
type SolverNumericalError struct {
	Reason string
}

func (e *SolverNumericalError) Error() string {
	return fmt.Sprintf("solver numerical failure: %s", e.Reason)
}

// ConstraintViolationError indicates post-solve validation found a weight or
// aggregate outside its declared constraint beyond tolerance.
type ConstraintViolationError struct {
	Constraint string
	Value      float64
	Limit      float64
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violated after solve: %s (value %.6f, limit %.6f)", e.Constraint, e.Value, e.Limit)
}
