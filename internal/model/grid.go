package model

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

const (
	// BulkBins is the number of synthetic bins prepended for the bulk phase.
	BulkBins = 6
	// wideBulkBins is the number of bulk bins that use the wide spacing.
	wideBulkBins = 3
	// TransitionBin is the index of the singleton bin between bulk and gel
	// spacing.
	TransitionBin = wideBulkBins
	// SegmentStart is the first generator index that uses the uniform
	// (gel) spacing formulation.
	SegmentStart = wideBulkBins + 1

	spacingTolerance = 1e-6
)

// Discretization holds the bin widths and inter-bin distances of the
// computational grid: BulkBins synthetic bulk bins followed by the measured
// gel bins.
type Discretization struct {
	// Width is the extent of every computational bin, used for mass integrals.
	Width []float64
	// Distance is the distance to the previous bin center; it has one element
	// more than Width because the generator needs Δx at i+1 for the last bin.
	Distance []float64
	// Grid is the measured gel grid the discretization was built from.
	Grid []float64
	// Dx is the measured (gel) spacing.
	Dx float64
	// BulkDx is the spacing of the wide bulk bins.
	BulkDx float64
	// BulkLength is the physical length of the bulk phase.
	BulkLength float64
	// TotalLength is the physical length of the whole domain.
	TotalLength float64
}

// Bins returns the number of computational bins.
func (d *Discretization) Bins() int {
	return len(d.Width)
}

// GelBins returns the number of measured bins.
func (d *Discretization) GelBins() int {
	return len(d.Grid)
}

// Mass integrates a concentration vector over the computational grid.
func (d *Discretization) Mass(c []float64) float64 {
	return floats.Dot(c, d.Width)
}

// Positions returns the center of every computational bin. Gel bins sit
// at the measured grid; bulk bins are placed leftwards using Distance.
func (d *Discretization) Positions() []float64 {
	x := make([]float64, d.Bins())
	gel := d.Bins() - len(d.Grid)
	copy(x[gel:], d.Grid)
	for i := gel - 1; i >= 0; i-- {
		x[i] = x[i+1] - d.Distance[i+1]
	}
	return x
}

// ValidateGrid checks that grid is strictly increasing and uniformly spaced.
func ValidateGrid(grid []float64) error {
	const op = "model.ValidateGrid"

	if len(grid) < 2 {
		return errors.Precondition(op, "grid needs at least 2 points, got %d", len(grid))
	}
	dx := grid[1] - grid[0]
	if dx <= 0 {
		return errors.Precondition(op, "grid is not strictly increasing at index 1")
	}
	for i := 1; i < len(grid); i++ {
		step := grid[i] - grid[i-1]
		if step <= 0 {
			return errors.Precondition(op, "grid is not strictly increasing at index %d", i)
		}
		if math.Abs(step-dx) > spacingTolerance*dx {
			return errors.Precondition(op, "grid spacing is not uniform at index %d: %g != %g", i, step, dx)
		}
	}
	return nil
}

// NewBlockDiscretization builds the two-phase discretization of a block
// experiment. The bulk phase, of length totalLength - max(grid), is covered
// by three wide bins and a transition bin of width (dx1+dx2)/2, followed by
// two more bulk bins with the gel spacing; the gel phase keeps the measured
// spacing.
func NewBlockDiscretization(grid []float64, totalLength float64) (*Discretization, error) {
	const op = "model.NewBlockDiscretization"

	if err := ValidateGrid(grid); err != nil {
		return nil, err
	}

	dim := len(grid)
	dx2 := grid[1] - grid[0]
	gelLength := grid[dim-1]
	bulkLength := totalLength - gelLength
	if bulkLength <= 2.5*dx2 {
		return nil, errors.Precondition(op,
			"bulk length %g (total %g - gel %g) is too short for spacing %g", bulkLength, totalLength, gelLength, dx2)
	}
	dx1 := (bulkLength - 2.5*dx2) / 3.5

	width := make([]float64, 0, BulkBins+dim)
	for i := 0; i < wideBulkBins; i++ {
		width = append(width, dx1)
	}
	width = append(width, (dx1+dx2)/2)
	for i := 0; i < BulkBins-wideBulkBins-1+dim; i++ {
		width = append(width, dx2)
	}

	distance := make([]float64, 0, BulkBins+dim+1)
	for i := 0; i < SegmentStart; i++ {
		distance = append(distance, dx1)
	}
	for len(distance) < BulkBins+dim+1 {
		distance = append(distance, dx2)
	}

	return &Discretization{
		Width:       width,
		Distance:    distance,
		Grid:        append([]float64(nil), grid...),
		Dx:          dx2,
		BulkDx:      dx1,
		BulkLength:  bulkLength,
		TotalLength: totalLength,
	}, nil
}

// InitialProfile builds the t=0 profile on the computational grid by
// extending the first measured value through the bulk bins.
func InitialProfile(measured []float64) []float64 {
	c0 := make([]float64, 0, BulkBins+len(measured))
	for i := 0; i < BulkBins; i++ {
		c0 = append(c0, measured[0])
	}
	return append(c0, measured...)
}

// BulkLoadedProfile builds a t=0 profile with a uniform bulk concentration
// and an empty gel of gelBins bins.
func BulkLoadedProfile(cBulk float64, gelBins int) []float64 {
	c0 := make([]float64, BulkBins+gelBins)
	for i := 0; i < BulkBins; i++ {
		c0[i] = cBulk
	}
	return c0
}
