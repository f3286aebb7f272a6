package fit

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

// MassTolerance is the relative mass drift tolerated by the conservation
// cross-check.
const MassTolerance = 0.01

// ProblemOptions configures NewProblem.
type ProblemOptions struct {
	// TotalLength is the domain length used when the dataset sets none.
	TotalLength float64
	// DMax and FMax bound the diffusivity and free energy levels.
	DMax, FMax float64
	// Shape selects how the two levels are interpolated.
	Shape model.ShapeKind
	// SegmentEnd starts an optional third generator segment; zero keeps two.
	SegmentEnd int
	// Check enables the conservation cross-check on every evaluation.
	Check bool
}

// Problem is the least-squares problem for one dataset. It is read-only
// after construction and safe for concurrent use.
type Problem struct {
	Disc *model.Discretization
	// Initial is the t=0 profile over the computational grid.
	Initial []float64
	// Measured holds the late-time gel profiles.
	Measured [][]float64
	// Steps holds the propagation step of every measured profile.
	Steps  []int
	Bounds Bounds

	shape      model.ShapeKind
	segmentEnd int
	check      bool
}

// NewProblem builds the discretization, the initial profile and the bounds
// for ds.
func NewProblem(ds *Dataset, opts ProblemOptions) (*Problem, error) {
	const op = "fit.NewProblem"

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	total := ds.TotalLength
	if total == 0 {
		total = opts.TotalLength
	}
	disc, err := model.NewBlockDiscretization(ds.Grid, total)
	if err != nil {
		return nil, err
	}
	steps, err := ds.Steps()
	if err != nil {
		return nil, err
	}

	var c0 []float64
	if ds.InitialBulk > 0 {
		c0 = model.BulkLoadedProfile(ds.InitialBulk, disc.GelBins())
	} else {
		c0 = model.InitialProfile(ds.Profiles[0])
	}

	xMax := ds.Grid[len(ds.Grid)-1]
	bounds, err := NewBounds(len(steps), opts.DMax, opts.FMax, xMax)
	if err != nil {
		return nil, err
	}
	if opts.SegmentEnd != 0 && (opts.SegmentEnd <= model.SegmentStart || opts.SegmentEnd >= disc.Bins()-1) {
		return nil, errors.Precondition(op, "segment end %d outside (%d, %d)", opts.SegmentEnd, model.SegmentStart, disc.Bins()-1)
	}

	measured := make([][]float64, len(steps))
	for k := range measured {
		measured[k] = append([]float64(nil), ds.Profiles[k+1]...)
	}

	return &Problem{
		Disc:       disc,
		Initial:    c0,
		Measured:   measured,
		Steps:      steps,
		Bounds:     bounds,
		shape:      opts.Shape,
		segmentEnd: opts.SegmentEnd,
		check:      opts.Check,
	}, nil
}

// NumParams returns the length of the parameter vector.
func (p *Problem) NumParams() int {
	return NumShapeParams + len(p.Measured)
}

// NumResiduals returns the length of the residual vector.
func (p *Problem) NumResiduals() int {
	return len(p.Measured) * p.Disc.GelBins()
}

// Shapes returns the D and F shapes described by x.
func (p *Problem) Shapes(x []float64) (d, f model.Shape) {
	v := Unpack(x)
	d = p.shape.New(v.D[0], v.D[1], v.Interface, v.Width)
	f = p.shape.New(v.F[0], v.F[1], v.Interface, v.Width)
	return d, f
}

// Profiles synthesizes the clamped per-bin D and F arrays for x.
func (p *Problem) Profiles(x []float64) (D, F []float64) {
	d, f := p.Shapes(x)
	return model.Profiles(d, f, p.Disc.Grid)
}

// Generator builds the rate matrix for x.
func (p *Problem) Generator(x []float64) (*mat.Dense, error) {
	D, F := p.Profiles(x)
	return model.VariableGenerator(D, F, p.Disc.Distance, model.VarOptions{
		Start: model.SegmentStart,
		End:   p.segmentEnd,
		Check: true,
	})
}

// Predict propagates the initial profile to every measured time stamp and
// returns the full computational profiles.
func (p *Problem) Predict(x []float64) ([][]float64, error) {
	return p.predict(x, p.Steps)
}

// Series propagates the initial profile to t=0 and every measured time
// stamp.
func (p *Problem) Series(x []float64) ([][]float64, error) {
	return p.predict(x, append([]int{0}, p.Steps...))
}

func (p *Problem) predict(x []float64, steps []int) ([][]float64, error) {
	if len(x) != p.NumParams() {
		return nil, errors.Precondition("fit.Problem.Predict", "got %d parameters, want %d", len(x), p.NumParams())
	}
	w, err := p.Generator(x)
	if err != nil {
		return nil, err
	}
	if p.check {
		if err := model.CheckTotalSum(w, MassTolerance); err != nil {
			return nil, errors.Wrap(err, "fit.Problem.Predict")
		}
	}
	prop, err := model.NewPropagator(w)
	if err != nil {
		return nil, err
	}
	series, err := prop.Series(p.Initial, steps)
	if err != nil {
		return nil, err
	}
	if p.check {
		if err := p.checkMass(series); err != nil {
			return nil, err
		}
	}
	return series, nil
}

func (p *Problem) checkMass(series [][]float64) error {
	m0 := p.Disc.Mass(p.Initial)
	masses := make([]float64, len(series))
	worst := 0.0
	for k, c := range series {
		masses[k] = p.Disc.Mass(c)
		if d := math.Abs(masses[k] - m0); d > worst {
			worst = d
		}
	}
	if worst > MassTolerance*math.Abs(m0) {
		return errors.Wrap(&errors.ConsistencyError{
			Check:       "mass-conservation",
			Message:     "computed concentration is not conserved in profiles",
			Discrepancy: worst,
			Values:      masses,
		}, "fit.Problem.checkMass")
	}
	return nil
}

// Residuals returns scale_k·measured_k − predicted_k over the gel bins,
// flattened profile by profile.
func (p *Problem) Residuals(x []float64) ([]float64, error) {
	r := make([]float64, p.NumResiduals())
	if err := p.ResidualsTo(r, x); err != nil {
		return nil, err
	}
	return r, nil
}

// ResidualsTo writes the residuals for x into dst.
func (p *Problem) ResidualsTo(dst, x []float64) error {
	if len(dst) != p.NumResiduals() {
		return errors.Precondition("fit.Problem.ResidualsTo", "residual buffer has %d entries, want %d", len(dst), p.NumResiduals())
	}
	predicted, err := p.Predict(x)
	if err != nil {
		return err
	}
	scales := Unpack(x).Scales
	bins := p.Disc.GelBins()
	for k, measured := range p.Measured {
		gel := predicted[k][model.BulkBins:]
		row := dst[k*bins : (k+1)*bins]
		for i, c := range measured {
			row[i] = scales[k]*c - gel[i]
		}
	}
	return nil
}

// Cost returns ½·Σr² for x.
func (p *Problem) Cost(x []float64) (float64, error) {
	r, err := p.Residuals(x)
	if err != nil {
		return 0, err
	}
	return halfSquaredNorm(r), nil
}

func halfSquaredNorm(r []float64) float64 {
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	return s / 2
}
