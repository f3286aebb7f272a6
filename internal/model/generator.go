package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// ColumnSumTolerance is the relative tolerance for vanishing column sums.
const ColumnSumTolerance = 1e-10

// Boundary selects how the generator treats the left domain edge.
type Boundary int

const (
	// Reflective is a no-flux edge; total mass is conserved.
	Reflective Boundary = iota
	// OpenOneSide connects the first bin to a fixed external concentration.
	// The first row and column are truncated and their coupling returned.
	OpenOneSide
)

// ParseBoundary parses "reflective" or "open1side".
func ParseBoundary(name string) (Boundary, error) {
	switch name {
	case "", "reflective":
		return Reflective, nil
	case "open1side":
		return OpenOneSide, nil
	default:
		return 0, errors.Precondition("model.ParseBoundary", "invalid boundary condition %q", name)
	}
}

// String returns the name accepted by ParseBoundary.
func (b Boundary) String() string {
	if b == OpenOneSide {
		return "open1side"
	}
	return "reflective"
}

// Generator is a rate matrix together with its boundary handling.
type Generator struct {
	// W is the (possibly truncated) rate matrix.
	W *mat.Dense
	// Boundary is the boundary condition W was built for.
	Boundary Boundary
	// Coupling is W[1,0] of the full matrix for OpenOneSide, zero otherwise.
	Coupling float64
}

// Size returns the dimension of W.
func (g *Generator) Size() int {
	r, _ := g.W.Dims()
	return r
}

func checkProfiles(op string, d, f []float64) error {
	if len(d) != len(f) {
		return errors.Precondition(op, "D and F lengths differ: %d != %d", len(d), len(f))
	}
	if len(d) < 2 {
		return errors.Precondition(op, "need at least 2 bins, got %d", len(d))
	}
	return nil
}

// UniformGenerator builds the rate matrix for a constant step dx with
// off-diagonal rates (d_i+d_j)/(2dx²)·exp(-(f_i-f_j)/2). The couplings
// across the outer edges are zeroed, which makes both edges reflective
// before the boundary condition is applied.
func UniformGenerator(d, f []float64, dx float64, bc Boundary) (*Generator, error) {
	const op = "model.UniformGenerator"

	if err := checkProfiles(op, d, f); err != nil {
		return nil, err
	}
	if dx <= 0 {
		return nil, errors.Precondition(op, "step must be positive, got %g", dx)
	}

	n := len(d)
	up := make([]float64, n)
	down := make([]float64, n)
	scale := 2 * dx * dx
	for i := 0; i < n; i++ {
		next := (i + 1) % n
		prev := (i - 1 + n) % n
		up[i] = (d[i] + d[next]) / scale * math.Exp(-(f[i]-f[next])/2)
		down[i] = (d[i] + d[prev]) / scale * math.Exp(-(f[i]-f[prev])/2)
	}
	up[n-1] = 0
	down[0] = 0

	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		main := 0.0
		if i > 0 {
			main -= up[i-1]
			w.Set(i, i-1, down[i])
		}
		if i < n-1 {
			main -= down[i+1]
			w.Set(i, i+1, up[i])
		}
		w.Set(i, i, main)
	}

	return applyBoundary(op, w, bc)
}

// SymmetricGenerator builds the symmetrized-flux rate matrix with
// off-diagonal rates √(d_i·d_j)/dx²·exp(-(f_i-f_j)) between neighbours and
// the negated column sum on the diagonal.
func SymmetricGenerator(d, f []float64, dx float64, bc Boundary) (*Generator, error) {
	const op = "model.SymmetricGenerator"

	if err := checkProfiles(op, d, f); err != nil {
		return nil, err
	}
	if dx <= 0 {
		return nil, errors.Precondition(op, "step must be positive, got %g", dx)
	}

	n := len(d)
	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for _, j := range [2]int{i - 1, i + 1} {
			if j < 0 || j >= n {
				continue
			}
			w.Set(i, j, math.Sqrt(d[i]*d[j])/(dx*dx)*math.Exp(-(f[i]-f[j])))
		}
	}
	for j := 0; j < n; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			if i != j {
				sum += w.At(i, j)
			}
		}
		w.Set(j, j, -sum)
	}

	return applyBoundary(op, w, bc)
}

func applyBoundary(op string, full *mat.Dense, bc Boundary) (*Generator, error) {
	switch bc {
	case Reflective:
		return &Generator{W: full, Boundary: Reflective}, nil
	case OpenOneSide:
		n, _ := full.Dims()
		return &Generator{
			W:        mat.DenseCopyOf(full.Slice(1, n, 1, n)),
			Boundary: OpenOneSide,
			Coupling: full.At(1, 0),
		}, nil
	default:
		return nil, errors.Precondition(op, "invalid boundary condition %d", int(bc))
	}
}

// VarOptions configures VariableGenerator.
type VarOptions struct {
	// Start is the first bin of the uniform-spacing segment.
	Start int
	// End is the first bin of an optional third segment with variable
	// spacing; zero means two segments.
	End int
	// Check enables the segment constancy and column-sum assertions.
	Check bool
}

// VariableGenerator builds the reflective rate matrix for a grid with
// variable bin distances. Segments 1 ([0, Start)) and 3 ([End, n)) use the
// variable-width finite differences and must hold constant D and F;
// segment 2 uses the uniform-width formulation with a constant distance.
// distance must have one element more than d.
func VariableGenerator(d, f, distance []float64, opts VarOptions) (*mat.Dense, error) {
	const op = "model.VariableGenerator"

	if err := checkProfiles(op, d, f); err != nil {
		return nil, err
	}
	n := len(d)
	if len(distance) != n+1 {
		return nil, errors.Precondition(op, "need %d distances for %d bins, got %d", n+1, n, len(distance))
	}
	start, end := opts.Start, opts.End
	if start < 2 || start >= n-1 {
		return nil, errors.Precondition(op, "segment start %d outside [2, %d)", start, n-1)
	}
	if end != 0 && (end <= start || end >= n-1) {
		return nil, errors.Precondition(op, "segment end %d outside (%d, %d)", end, start, n-1)
	}

	if opts.Check {
		if err := CheckConstant("D", d, 0, start+1); err != nil {
			return nil, errors.Wrap(err, op)
		}
		if err := CheckConstant("F", f, 0, start+1); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	up := make([]float64, n)
	down := make([]float64, n)
	main := make([]float64, n)
	variableSegment := func(from, to int) {
		for i := from; i < to; i++ {
			lo, hi := distance[i], distance[i+1]
			up[i] = 2 * d[i] / (hi * (hi + lo))
			down[i] = 2 * d[i] / (lo * (hi + lo))
			main[i] = -2 * d[i] / (hi * lo)
		}
	}

	variableSegment(0, start)
	// Zero-flux closure at the first bin. Kept as -down[1] rather than the
	// width-corrected -2d[1]/(Δ1(Δ2+Δ1)) pending domain review.
	main[0] = -down[1]

	stop := n
	dd, ff := d, f
	if end == 0 {
		// Extend by the last value so the last row of segment 2 is well defined.
		dd = append(append(make([]float64, 0, n+1), d...), d[n-1])
		ff = append(append(make([]float64, 0, n+1), f...), f[n-1])
	} else {
		stop = end
	}

	for i := start; i < stop; i++ {
		scale := 2 * distance[i] * distance[i]
		up[i] = (dd[i] + dd[i+1]) / scale * math.Exp(-(ff[i]-ff[i+1])/2)
		down[i] = (dd[i] + dd[i-1]) / scale * math.Exp(-(ff[i]-ff[i-1])/2)
		main[i] = -(dd[i-1]+dd[i])/scale*math.Exp(-(ff[i-1]-ff[i])/2) -
			(dd[i+1]+dd[i])/scale*math.Exp(-(ff[i+1]-ff[i])/2)
	}

	if opts.Check {
		for i := start; i < stop; i++ {
			if distance[i] != distance[i+1] {
				return nil, errors.Wrap(&errors.ConsistencyError{
					Check:       "constant-spacing",
					Message:     "distance is not kept constant in segment 2",
					Discrepancy: distance[i+1] - distance[i],
					Values:      append([]float64(nil), distance[start:stop+1]...),
				}, op)
			}
		}
	}

	if end != 0 {
		if opts.Check {
			if err := CheckConstant("D", d, end-2, n-1); err != nil {
				return nil, errors.Wrap(err, op)
			}
			if err := CheckConstant("F", f, end-2, n-1); err != nil {
				return nil, errors.Wrap(err, op)
			}
		}
		variableSegment(end, n)
	}
	// Zero-flux closure at the last bin.
	main[n-1] = -up[n-2]

	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		w.Set(i, i, main[i])
		if i < n-1 {
			w.Set(i, i+1, up[i])
		}
		if i > 0 {
			w.Set(i, i-1, down[i])
		}
	}

	if opts.Check {
		sums := ColumnSums(w)
		for _, j := range [2]int{0, n - 1} {
			if !vanishes(sums[j], columnScale(w, j)) {
				return nil, errors.Wrap(&errors.ConsistencyError{
					Check:       "boundary-column-sum",
					Message:     "wrong implementation of boundary conditions",
					Discrepancy: sums[j],
					Values:      sums,
					Matrix:      Dump(w),
				}, op)
			}
		}
	}

	return w, nil
}

// ColumnSums returns the sum of every column of w.
func ColumnSums(w mat.Matrix) []float64 {
	r, c := w.Dims()
	sums := make([]float64, c)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			sums[j] += w.At(i, j)
		}
	}
	return sums
}

// CheckColumnSums verifies that every column of a reflective generator sums
// to zero within ColumnSumTolerance relative to the column's largest entry.
func CheckColumnSums(w mat.Matrix) error {
	sums := ColumnSums(w)
	for j, s := range sums {
		if !vanishes(s, columnScale(w, j)) {
			return &errors.ConsistencyError{
				Check:       "column-sum",
				Message:     "generator column does not sum to zero",
				Discrepancy: s,
				Values:      sums,
				Matrix:      Dump(w),
			}
		}
	}
	return nil
}

// CheckTotalSum verifies that the double sum over w is below tol in
// magnitude. Variable binning leaves equal and opposite column sums at the
// spacing transition, so only the total is required to vanish.
func CheckTotalSum(w mat.Matrix, tol float64) error {
	sums := ColumnSums(w)
	total := floats.Sum(sums)
	if math.Abs(total) > tol {
		return &errors.ConsistencyError{
			Check:       "total-sum",
			Message:     "generator total sum does not vanish",
			Discrepancy: total,
			Values:      sums,
			Matrix:      Dump(w),
		}
	}
	return nil
}

// WeightedColumnSums returns Σ_i width_i·W_ij for every column j; these
// vanish exactly when W conserves Σ c·width.
func WeightedColumnSums(w mat.Matrix, width []float64) []float64 {
	r, c := w.Dims()
	sums := make([]float64, c)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			sums[j] += width[i] * w.At(i, j)
		}
	}
	return sums
}

func columnScale(w mat.Matrix, j int) float64 {
	r, _ := w.Dims()
	scale := 0.0
	for i := 0; i < r; i++ {
		scale = math.Max(scale, math.Abs(w.At(i, j)))
	}
	return scale
}

func vanishes(sum, scale float64) bool {
	if scale == 0 {
		return sum == 0
	}
	return math.Abs(sum) <= ColumnSumTolerance*scale
}

// Dump copies a matrix into row-major slices for diagnostics.
func Dump(w mat.Matrix) [][]float64 {
	r, c := w.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = w.At(i, j)
		}
	}
	return out
}
