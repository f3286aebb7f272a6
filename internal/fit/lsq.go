package fit

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// Method selects the least-squares solver.
type Method int

const (
	// LevenbergMarquardt solves the Levenberg-Marquardt trust-region
	// subproblem in box-normalized coordinates with Coleman-Li scaling, so
	// that iterates stay strictly inside the bounds (trust-region
	// reflective).
	LevenbergMarquardt Method = iota
	// NelderMead minimizes ½‖r‖² with the derivative-free simplex method.
	NelderMead
)

// ParseMethod parses "lm" or "nelder-mead".
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "lm", "levenberg-marquardt":
		return LevenbergMarquardt, nil
	case "nelder-mead", "nm":
		return NelderMead, nil
	default:
		return 0, errors.Precondition("fit.ParseMethod", "unknown solver %q", name)
	}
}

// String returns the canonical solver name.
func (m Method) String() string {
	if m == NelderMead {
		return "nelder-mead"
	}
	return "lm"
}

// Run status values.
const (
	StatusConverged      = "converged"
	StatusIterationLimit = "iteration-limit"
	StatusStalled        = "stalled"
	StatusFailed         = "failed"
)

// SolverSettings configures a single least-squares solve.
type SolverSettings struct {
	Method        Method
	MaxIterations int
	// FuncTol stops when the relative cost reduction of an accepted step
	// falls below it.
	FuncTol float64
	// StepTol stops when the normalized step falls below it.
	StepTol float64
	// GradTol stops when the scaled gradient ‖v∘g‖∞ falls below it times
	// max(1, cost), v being the distance to the bound the gradient
	// descends toward.
	GradTol float64
	// Logger receives per-iteration progress at debug level; may be nil.
	Logger *zap.Logger
}

// DefaultSolverSettings returns the settings used when none are configured.
func DefaultSolverSettings() SolverSettings {
	return SolverSettings{
		Method:        LevenbergMarquardt,
		MaxIterations: 200,
		FuncTol:       1e-10,
		StepTol:       1e-10,
		GradTol:       1e-10,
	}
}

func (s SolverSettings) withDefaults() SolverSettings {
	def := DefaultSolverSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = def.MaxIterations
	}
	if s.FuncTol <= 0 {
		s.FuncTol = def.FuncTol
	}
	if s.StepTol <= 0 {
		s.StepTol = def.StepTol
	}
	if s.GradTol <= 0 {
		s.GradTol = def.GradTol
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return s
}

// Solution is the outcome of one solve.
type Solution struct {
	X           []float64
	Cost        float64
	Iterations  int
	Evaluations int
	Status      string
}

// Solve minimizes ½‖r(x)‖² over the problem's bounds starting from x0.
// Consistency and precondition errors abort; anything else is a numerical
// failure of this solve.
func Solve(p *Problem, x0 []float64, s SolverSettings) (*Solution, error) {
	const op = "fit.Solve"

	if len(x0) != p.NumParams() {
		return nil, errors.Precondition(op, "start vector has %d parameters, want %d", len(x0), p.NumParams())
	}
	s = s.withDefaults()

	switch s.Method {
	case LevenbergMarquardt:
		return solveLM(p, x0, s)
	case NelderMead:
		return solveNelderMead(p, x0, s)
	default:
		return nil, errors.Precondition(op, "unknown solver %d", int(s.Method))
	}
}

// solveNelderMead runs the simplex in start-relative coordinates y with
// x = x0 + scale∘y, so the initial simplex perturbs every parameter by a
// fraction of its own magnitude. Trial points are clamped into the box.
func solveNelderMead(p *Problem, x0 []float64, s SolverSettings) (*Solution, error) {
	const op = "fit.solveNelderMead"

	n, m := p.NumParams(), p.NumResiduals()
	start := append([]float64(nil), x0...)
	p.Bounds.Clamp(start)
	scale := simplexScale(p.Bounds, start)

	r := make([]float64, m)
	x := make([]float64, n)
	evals := 0
	toParams := func(dst, y []float64) {
		for i := range dst {
			dst[i] = clamp(start[i]+scale[i]*y[i], p.Bounds.Lower[i], p.Bounds.Upper[i])
		}
	}

	var fatal error
	problem := optimize.Problem{
		Func: func(y []float64) float64 {
			evals++
			toParams(x, y)
			if err := p.ResidualsTo(r, x); err != nil {
				if fatal == nil && isFatal(err) {
					fatal = err
				}
				return math.Inf(1)
			}
			return halfSquaredNorm(r)
		},
	}

	settings := &optimize.Settings{
		MajorIterations: s.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.FuncTol,
			Relative:   s.FuncTol,
			Iterations: 100,
		},
	}
	method := &optimize.NelderMead{SimplexSize: 1}

	result, err := optimize.Minimize(problem, make([]float64, n), settings, method)
	if fatal != nil {
		return nil, errors.Wrap(fatal, op)
	}
	if result == nil {
		return nil, errors.Numerical(op, err)
	}

	status := StatusConverged
	switch {
	case result.Status == optimize.IterationLimit:
		status = StatusIterationLimit
	case err != nil:
		status = StatusStalled
		s.Logger.Debug("simplex terminated", zap.String("status", result.Status.String()), zap.Error(err))
	}

	best := make([]float64, n)
	toParams(best, result.X)
	cost, cerr := p.Cost(best)
	if cerr != nil {
		if isFatal(cerr) {
			return nil, errors.Wrap(cerr, op)
		}
		return nil, errors.Numerical(op, cerr)
	}
	return &Solution{
		X:           best,
		Cost:        cost,
		Iterations:  result.Stats.MajorIterations,
		Evaluations: evals,
		Status:      status,
	}, nil
}

// simplexScale sizes the initial simplex: a tenth of each start value, or a
// hundredth of the bound range for parameters starting at zero.
func simplexScale(b Bounds, x0 []float64) []float64 {
	scale := make([]float64, len(x0))
	for i, x := range x0 {
		span := b.Upper[i] - b.Lower[i]
		scale[i] = 0.1 * math.Abs(x)
		if scale[i] < 1e-3*span {
			scale[i] = 0.01 * span
		}
	}
	return scale
}

// isFatal reports whether err must abort the whole sweep rather than the
// current run.
func isFatal(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindPrecondition, errors.KindConsistency:
		return true
	default:
		return false
	}
}
