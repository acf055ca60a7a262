package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/perivale/allocator/internal/domain"
	"github.com/perivale/allocator/internal/modules/moments"
	"github.com/perivale/allocator/internal/modules/returns"
	"github.com/perivale/allocator/pkg/formulas"
)

const (
	// degenerateScaleEpsilon rejects max-Sharpe substitutions whose scale
	// factor cannot be inverted safely.
	degenerateScaleEpsilon = 1e-6

	// substitutionBoxLimit bounds the substituted variables numerically.
	substitutionBoxLimit = 1e3

	// weightTolerance is the post-solve tolerance on the weight sum.
	weightTolerance = 1e-6

	// boundTolerance is the post-solve tolerance on individual weight
	// bounds, slightly looser than the sum check because the final exact
	// renormalization can nudge a binding weight.
	boundTolerance = 1e-5

	// aggregateTolerance is the post-solve tolerance on group sums, target
	// return and concentration.
	aggregateTolerance = 1e-4
)

// Result holds solved portfolio weights and the realized objective.
type Result struct {
	Assets         []string           `json:"assets"`
	Weights        map[string]float64 `json:"weights"`
	Objective      string             `json:"objective"`
	ObjectiveValue float64            `json:"objective_value"`
	ExpectedReturn float64            `json:"expected_return"`
	Volatility     float64            `json:"volatility"`
}

// Solver turns moment estimates, a constraint set and an objective into
// portfolio weights. Safe for concurrent use; each call owns its state.
type Solver struct {
	program ProgramSolver
	log     zerolog.Logger
}

// NewSolver creates a solver backed by the penalty-method program solver.
func NewSolver(log zerolog.Logger) *Solver {
	return &Solver{
		program: newPenaltySolver(),
		log:     log.With().Str("component", "optimizer").Logger(),
	}
}

// Solve produces portfolio weights for the given objective. Validation errors
// surface before any numerical work; solver failures map to the typed errors
// in internal/domain.
func (s *Solver) Solve(est *moments.Estimates, cs *ConstraintSet, objective Objective) (*Result, error) {
	if cs == nil {
		cs = NewConstraintSet()
	}
	if err := cs.Validate(est.Assets); err != nil {
		return nil, err
	}

	var (
		w   []float64
		err error
	)
	switch obj := objective.(type) {
	case MinVariance:
		w, err = s.solveMinVariance(est, cs)
	case MaxSharpe:
		w, err = s.solveMaxSharpe(est, cs, obj)
	case CustomPenalty:
		w, err = s.solveCustomPenalty(est, cs, obj)
	default:
		return nil, fmt.Errorf("unknown objective %q", objective.objectiveName())
	}
	if err != nil {
		return nil, err
	}

	w = normalize(projectToBounds(w, cs.boundsFor(est.Assets)))
	if err := validateSolution(w, est, cs); err != nil {
		return nil, err
	}

	result := s.buildResult(w, est, objective)
	s.log.Debug().
		Str("objective", result.Objective).
		Float64("expected_return", result.ExpectedReturn).
		Float64("volatility", result.Volatility).
		Msg("Solved portfolio")
	return result, nil
}

func (s *Solver) solveMinVariance(est *moments.Estimates, cs *ConstraintSet) ([]float64, error) {
	p := s.baseProgram(est, cs)
	return s.program.Solve(p)
}

func (s *Solver) solveCustomPenalty(est *moments.Estimates, cs *ConstraintSet, obj CustomPenalty) ([]float64, error) {
	n := len(est.Assets)

	q := mat.NewSymDense(n, nil)
	q.CopySym(est.Cov)

	if obj.DownsideLambda > 0 {
		if obj.History == nil {
			return nil, fmt.Errorf("custom penalty objective requires return history for the downside term")
		}
		d, err := downsideMatrix(obj.History, est.Assets, obj.AnnualizationFactor)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				q.SetSym(i, j, q.At(i, j)+obj.DownsideLambda*d.At(i, j))
			}
		}
	}
	if obj.ConcentrationLambda > 0 {
		for i := 0; i < n; i++ {
			q.SetSym(i, i, q.At(i, i)+obj.ConcentrationLambda)
		}
	}

	p := s.baseProgram(est, cs)
	p.Q = q

	if obj.TurnoverLambda > 0 && obj.PrevWeights != nil {
		ref := make([]float64, n)
		for i, a := range est.Assets {
			ref[i] = obj.PrevWeights[a]
		}
		p.L1 = &L1Penalty{Weight: obj.TurnoverLambda, Ref: ref}
	}

	return s.program.Solve(p)
}

// solveMaxSharpe applies the standard substitution x = k·w, which turns the
// Sharpe ratio into the quadratic xᵀΣx under the normalization
// (μ − r_f·1)ᵀx = 1. Bounds and group constraints become homogeneous linear
// inequalities in x because k = Σx.
func (s *Solver) solveMaxSharpe(est *moments.Estimates, cs *ConstraintSet, obj MaxSharpe) ([]float64, error) {
	n := len(est.Assets)
	bounds := cs.boundsFor(est.Assets)

	excess := make([]float64, n)
	maxExcess := math.Inf(-1)
	for i, m := range est.Mean {
		excess[i] = m - obj.RiskFreeRate
		if excess[i] > maxExcess {
			maxExcess = excess[i]
		}
	}
	if maxExcess <= 0 {
		return nil, &domain.DegenerateSolutionError{Scale: 0}
	}

	q := mat.NewSymDense(n, nil)
	q.CopySym(est.Cov)

	p := &Program{
		Q:      q,
		Bounds: make([]Bound, n),
		Equalities: []LinearConstraint{
			{Coeffs: excess, RHS: 1, Label: "excess return normalization"},
		},
	}

	for i, b := range bounds {
		lower := 0.0
		if b.Lower < 0 {
			lower = -substitutionBoxLimit
		}
		p.Bounds[i] = Bound{Lower: lower, Upper: substitutionBoxLimit}

		// l_i·Σx ≤ x_i ≤ u_i·Σx
		if b.Lower > 0 {
			coeffs := fill(n, b.Lower)
			coeffs[i] = b.Lower - 1
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: 0, Label: "lower bound " + est.Assets[i],
			})
		}
		if b.Upper < 1 {
			coeffs := fill(n, -b.Upper)
			coeffs[i] = 1 - b.Upper
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: 0, Label: "upper bound " + est.Assets[i],
			})
		}
	}

	for _, g := range cs.Groups() {
		gb := cs.GroupBound(g)
		members := cs.GroupMembers(g, est.Assets)
		if gb.Lower > 0 {
			coeffs := fill(n, gb.Lower)
			for _, i := range members {
				coeffs[i] = gb.Lower - 1
			}
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: 0, Label: "group lower bound " + g,
			})
		}
		if gb.Upper < 1 {
			coeffs := fill(n, -gb.Upper)
			for _, i := range members {
				coeffs[i] = 1 - gb.Upper
			}
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: 0, Label: "group upper bound " + g,
			})
		}
	}

	if target, ok := cs.TargetReturn(); ok {
		// μᵀx ≥ target·Σx
		coeffs := make([]float64, n)
		for i, m := range est.Mean {
			coeffs[i] = target - m
		}
		p.Inequalities = append(p.Inequalities, LinearConstraint{
			Coeffs: coeffs, RHS: 0, Label: "target return",
		})
	}
	if ceiling, ok := cs.MaxConcentration(); ok {
		p.Concentration = &ConcentrationCap{Limit: ceiling, Relative: true, Label: "concentration ceiling"}
	}

	// Start from the scaled equal-weight portfolio when its excess return
	// is positive.
	w0 := fill(n, 1.0/float64(n))
	k0 := 1.0
	if e := dot(excess, w0); e > 0 {
		k0 = 1.0 / e
	}
	p.Initial = make([]float64, n)
	for i := range p.Initial {
		p.Initial[i] = k0 * w0[i]
	}

	x, err := s.program.Solve(p)
	if err != nil {
		return nil, err
	}

	k := 0.0
	for _, v := range x {
		k += v
	}
	if math.Abs(k) < degenerateScaleEpsilon {
		return nil, &domain.DegenerateSolutionError{Scale: k}
	}

	w := make([]float64, n)
	for i, v := range x {
		w[i] = v / k
	}
	return w, nil
}

// baseProgram builds the shared full-investment program: minimize wᵀΣw under
// Σw = 1, per-asset bounds, group bounds, target return and concentration.
func (s *Solver) baseProgram(est *moments.Estimates, cs *ConstraintSet) *Program {
	n := len(est.Assets)

	q := mat.NewSymDense(n, nil)
	q.CopySym(est.Cov)

	p := &Program{
		Q:      q,
		Bounds: cs.boundsFor(est.Assets),
		Equalities: []LinearConstraint{
			{Coeffs: fill(n, 1), RHS: 1, Label: "full investment"},
		},
		Initial: fill(n, 1.0/float64(n)),
	}

	for _, g := range cs.Groups() {
		gb := cs.GroupBound(g)
		members := cs.GroupMembers(g, est.Assets)
		if gb.Lower > 0 {
			coeffs := make([]float64, n)
			for _, i := range members {
				coeffs[i] = -1
			}
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: -gb.Lower, Label: "group lower bound " + g,
			})
		}
		if gb.Upper < 1 {
			coeffs := make([]float64, n)
			for _, i := range members {
				coeffs[i] = 1
			}
			p.Inequalities = append(p.Inequalities, LinearConstraint{
				Coeffs: coeffs, RHS: gb.Upper, Label: "group upper bound " + g,
			})
		}
	}

	if target, ok := cs.TargetReturn(); ok {
		coeffs := make([]float64, n)
		for i, m := range est.Mean {
			coeffs[i] = -m
		}
		p.Inequalities = append(p.Inequalities, LinearConstraint{
			Coeffs: coeffs, RHS: -target, Label: "target return",
		})
	}
	if ceiling, ok := cs.MaxConcentration(); ok {
		p.Concentration = &ConcentrationCap{Limit: ceiling, Label: "concentration ceiling"}
	}

	return p
}

func (s *Solver) buildResult(w []float64, est *moments.Estimates, objective Objective) *Result {
	weights := make(map[string]float64, len(est.Assets))
	for i, a := range est.Assets {
		weights[a] = w[i]
	}

	variance := est.PortfolioVariance(w)
	expReturn := est.ExpectedReturn(w)
	volatility := math.Sqrt(math.Max(variance, 0))

	value := variance
	switch obj := objective.(type) {
	case MaxSharpe:
		if volatility > 0 {
			value = (expReturn - obj.RiskFreeRate) / volatility
		} else {
			value = 0
		}
	case CustomPenalty:
		value = variance + obj.ConcentrationLambda*formulas.Herfindahl(w)
		if obj.DownsideLambda > 0 && obj.History != nil {
			if d, err := downsideMatrix(obj.History, est.Assets, obj.AnnualizationFactor); err == nil {
				value += obj.DownsideLambda * quadraticForm(d, w)
			}
		}
		if obj.TurnoverLambda > 0 && obj.PrevWeights != nil {
			for i, a := range est.Assets {
				value += obj.TurnoverLambda * math.Abs(w[i]-obj.PrevWeights[a])
			}
		}
	}

	return &Result{
		Assets:         est.Assets,
		Weights:        weights,
		Objective:      objective.objectiveName(),
		ObjectiveValue: value,
		ExpectedReturn: expReturn,
		Volatility:     volatility,
	}
}

// validateSolution verifies every declared constraint on the final weights.
func validateSolution(w []float64, est *moments.Estimates, cs *ConstraintSet) error {
	sum := 0.0
	for i, a := range est.Assets {
		b := cs.Bound(a)
		if w[i] < b.Lower-boundTolerance || w[i] > b.Upper+boundTolerance {
			return &domain.ConstraintViolationError{
				Constraint: "bound " + a,
				Value:      w[i],
				Limit:      b.Upper,
			}
		}
		sum += w[i]
	}
	if math.Abs(sum-1) > weightTolerance {
		return &domain.ConstraintViolationError{Constraint: "full investment", Value: sum, Limit: 1}
	}

	for _, g := range cs.Groups() {
		gb := cs.GroupBound(g)
		groupSum := 0.0
		for _, i := range cs.GroupMembers(g, est.Assets) {
			groupSum += w[i]
		}
		if groupSum < gb.Lower-aggregateTolerance || groupSum > gb.Upper+aggregateTolerance {
			return &domain.ConstraintViolationError{
				Constraint: "group " + g,
				Value:      groupSum,
				Limit:      gb.Upper,
			}
		}
	}

	if target, ok := cs.TargetReturn(); ok {
		if est.ExpectedReturn(w) < target-aggregateTolerance {
			return &domain.ConstraintViolationError{
				Constraint: "target return",
				Value:      est.ExpectedReturn(w),
				Limit:      target,
			}
		}
	}
	if ceiling, ok := cs.MaxConcentration(); ok {
		if h := formulas.Herfindahl(w); h > ceiling+aggregateTolerance {
			return &domain.ConstraintViolationError{
				Constraint: "concentration ceiling",
				Value:      h,
				Limit:      ceiling,
			}
		}
	}

	return nil
}

// downsideMatrix builds the annualized quadratic form over clipped negative
// returns. The Gram construction is symmetric; positive semi-definiteness is
// still verified and enforced by flooring negative eigenvalues at zero.
func downsideMatrix(rm *returns.Matrix, assets []string, annualizationFactor int) (*mat.SymDense, error) {
	if annualizationFactor <= 0 {
		annualizationFactor = formulas.TradingDaysPerYear
	}
	n := len(assets)
	t := rm.Len()
	if t == 0 {
		return nil, &domain.InsufficientDataError{Available: 0, Required: 1, Context: "downside risk"}
	}

	neg := make([][]float64, n)
	for i, a := range assets {
		col, err := rm.Column(a)
		if err != nil {
			return nil, fmt.Errorf("downside risk: %w", err)
		}
		clipped := make([]float64, t)
		for k, r := range col {
			if r < 0 {
				clipped[k] = r
			}
		}
		neg[i] = clipped
	}

	d := mat.NewSymDense(n, nil)
	scale := float64(annualizationFactor) / float64(t)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d.SetSym(i, j, dot(neg[i], neg[j])*scale)
		}
	}

	ensurePSD(d)
	return d, nil
}

// ensurePSD replaces the matrix with its nearest positive semi-definite
// counterpart when a Cholesky factorization fails.
func ensurePSD(m *mat.SymDense) {
	var chol mat.Cholesky
	if chol.Factorize(m) {
		return
	}

	var eig mat.EigenSym
	if !eig.Factorize(m, true) {
		return
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				ev := values[k]
				if ev < 0 {
					ev = 0
				}
				sum += vectors.At(i, k) * ev * vectors.At(j, k)
			}
			m.SetSym(i, j, sum)
		}
	}
}

func normalize(w []float64) []float64 {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return w
	}
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = v / sum
	}
	return out
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
