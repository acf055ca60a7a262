package optimization

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/perivale/allocator/internal/domain"
)

const (
	// penaltyWeight is the initial scale of the quadratic penalties
	// standing in for hard linear constraints.
	penaltyWeight = 1000.0

	// penaltyWeightMax caps the sequential escalation of the penalty
	// weight.
	penaltyWeightMax = 1e9

	// penaltyEscalation multiplies the penalty weight between rounds.
	penaltyEscalation = 10.0

	// residualTolerance is the worst-constraint residual the escalation
	// drives toward. A fixed penalty weight leaves an equilibrium residual
	// proportional to 1/weight, which on small-coefficient constraints can
	// exceed the post-solve validation tolerances.
	residualTolerance = 1e-5

	// l1Smoothing smooths the L1 turnover term so the gradient stays
	// defined at the kink.
	l1Smoothing = 1e-8

	// feasibilityTolerance is the residual above which a converged solve is
	// treated as proof of infeasibility rather than drift.
	feasibilityTolerance = 1e-2
)

// LinearConstraint is aᵀx (=|≤) rhs over the solution vector.
type LinearConstraint struct {
	Coeffs []float64
	RHS    float64
	Label  string
}

// L1Penalty is weight·Σ|x_i − ref_i|.
type L1Penalty struct {
	Weight float64
	Ref    []float64
}

// ConcentrationCap bounds Σx². In relative mode the cap scales with the
// squared sum of x, which keeps the max-Sharpe substitution consistent.
type ConcentrationCap struct {
	Limit    float64
	Relative bool
	Label    string
}

// Program is a quadratic objective under linear equality/inequality
// constraints and box bounds. Any quadratic-program solver can serve it; the
// in-tree implementation uses a penalty method over gonum's optimizers.
type Program struct {
	Q             *mat.SymDense // quadratic objective matrix
	C             []float64     // linear objective vector, nil for zero
	Equalities    []LinearConstraint
	Inequalities  []LinearConstraint // aᵀx ≤ rhs
	Bounds        []Bound
	Initial       []float64
	L1            *L1Penalty
	Concentration *ConcentrationCap
}

// ProgramSolver solves a Program to a solution vector, or reports
// infeasibility / numerical failure.
type ProgramSolver interface {
	Solve(p *Program) ([]float64, error)
}

// penaltySolver folds the constraints into the objective as quadratic
// penalties and minimizes with BFGS, falling back to Nelder-Mead when BFGS
// does not converge. The penalty weight escalates sequentially until the
// worst constraint residual sits inside tolerance.
type penaltySolver struct{}

func newPenaltySolver() *penaltySolver {
	return &penaltySolver{}
}

func (ps *penaltySolver) Solve(p *Program) ([]float64, error) {
	initial := make([]float64, len(p.Initial))
	copy(initial, p.Initial)

	var x []float64
	prev := math.Inf(1)
	for weight := penaltyWeight; ; weight *= penaltyEscalation {
		next, err := ps.minimize(p, initial, weight)
		if err != nil {
			if x == nil {
				return nil, err
			}
			break
		}
		x = next

		_, r := worstResidual(p, x)
		if r <= residualTolerance || weight >= penaltyWeightMax {
			break
		}
		// A stiffer weight shrinks the residual of a feasible round; a
		// residual that stops shrinking is pinned by the bounds.
		if r > 0.5*prev {
			break
		}
		prev = r
		copy(initial, x)
	}

	// A converged penalty solve that still sits far from the constraint
	// surface means no feasible point exists within the bounds.
	if label, residual := worstResidual(p, x); residual > feasibilityTolerance {
		return nil, &domain.InfeasibleConstraintsError{
			Reason: "constraint " + label + " unsatisfiable within bounds",
		}
	}

	return x, nil
}

// minimize runs one penalty round at a fixed weight.
func (ps *penaltySolver) minimize(p *Program, initial []float64, weight float64) ([]float64, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			xp := projectToBounds(x, p.Bounds)
			return ps.objective(p, xp, weight)
		},
		Grad: func(grad, x []float64) {
			xp := projectToBounds(x, p.Bounds)
			ps.gradient(p, xp, weight, grad)
		},
	}

	start := make([]float64, len(initial))
	copy(start, initial)

	result, err := optimize.Minimize(problem, start, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil || !converged(result.Status) {
		result, err = optimize.Minimize(problem, start, &optimize.Settings{}, &optimize.NelderMead{})
		if err != nil {
			return nil, &domain.SolverNumericalError{Reason: err.Error()}
		}
		if !converged(result.Status) {
			return nil, &domain.SolverNumericalError{Reason: "solver did not converge: status=" + result.Status.String()}
		}
	}

	x := projectToBounds(result.X, p.Bounds)
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &domain.SolverNumericalError{Reason: "solution contains non-finite values"}
		}
	}

	return x, nil
}

func (ps *penaltySolver) objective(p *Program, x []float64, weight float64) float64 {
	obj := quadraticForm(p.Q, x)
	if p.C != nil {
		for i, c := range p.C {
			obj += c * x[i]
		}
	}

	for _, eq := range p.Equalities {
		r := residual(eq, x)
		obj += weight * r * r
	}
	for _, ineq := range p.Inequalities {
		if r := residual(ineq, x); r > 0 {
			obj += weight * r * r
		}
	}

	if cc := p.Concentration; cc != nil {
		if r := concentrationResidual(cc, x); r > 0 {
			obj += weight * r * r
		}
	}

	if l1 := p.L1; l1 != nil {
		for i := range x {
			d := x[i] - l1.Ref[i]
			obj += l1.Weight * math.Sqrt(d*d+l1Smoothing)
		}
	}

	return obj
}

func (ps *penaltySolver) gradient(p *Program, x []float64, weight float64, grad []float64) {
	n := len(x)
	for i := 0; i < n; i++ {
		g := 0.0
		for j := 0; j < n; j++ {
			g += 2 * p.Q.At(i, j) * x[j]
		}
		if p.C != nil {
			g += p.C[i]
		}
		grad[i] = g
	}

	for _, eq := range p.Equalities {
		r := residual(eq, x)
		for i := range grad {
			grad[i] += 2 * weight * r * eq.Coeffs[i]
		}
	}
	for _, ineq := range p.Inequalities {
		if r := residual(ineq, x); r > 0 {
			for i := range grad {
				grad[i] += 2 * weight * r * ineq.Coeffs[i]
			}
		}
	}

	if cc := p.Concentration; cc != nil {
		if r := concentrationResidual(cc, x); r > 0 {
			sum := 0.0
			for _, v := range x {
				sum += v
			}
			for i := range grad {
				d := 2 * x[i]
				if cc.Relative {
					d -= cc.Limit * 2 * sum
				}
				grad[i] += 2 * weight * r * d
			}
		}
	}

	if l1 := p.L1; l1 != nil {
		for i := range grad {
			d := x[i] - l1.Ref[i]
			grad[i] += l1.Weight * d / math.Sqrt(d*d+l1Smoothing)
		}
	}
}

// worstResidual returns the largest constraint violation and its label.
func worstResidual(p *Program, x []float64) (string, float64) {
	worst, label := 0.0, ""
	for _, eq := range p.Equalities {
		if r := math.Abs(residual(eq, x)); r > worst {
			worst, label = r, eq.Label
		}
	}
	for _, ineq := range p.Inequalities {
		if r := residual(ineq, x); r > worst {
			worst, label = r, ineq.Label
		}
	}
	if cc := p.Concentration; cc != nil {
		if r := concentrationResidual(cc, x); r > worst {
			worst, label = r, cc.Label
		}
	}
	return label, worst
}

func residual(c LinearConstraint, x []float64) float64 {
	sum := -c.RHS
	for i, a := range c.Coeffs {
		sum += a * x[i]
	}
	return sum
}

func concentrationResidual(cc *ConcentrationCap, x []float64) float64 {
	sumSq, sum := 0.0, 0.0
	for _, v := range x {
		sumSq += v * v
		sum += v
	}
	limit := cc.Limit
	if cc.Relative {
		limit *= sum * sum
	}
	return sumSq - limit
}

func quadraticForm(q *mat.SymDense, x []float64) float64 {
	n := len(x)
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			total += x[i] * q.At(i, j) * x[j]
		}
	}
	return total
}

func projectToBounds(x []float64, bounds []Bound) []float64 {
	proj := make([]float64, len(x))
	for i, v := range x {
		proj[i] = math.Max(bounds[i].Lower, math.Min(bounds[i].Upper, v))
	}
	return proj
}

func converged(status optimize.Status) bool {
	switch status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence:
		return true
	}
	return false
}
