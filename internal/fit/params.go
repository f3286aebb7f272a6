package fit

import (
	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// Layout of the flat parameter vector. Scalings follow the six shape
// parameters, one per measured late-time profile.
const (
	IndexD1 = iota
	IndexD2
	IndexF1
	IndexF2
	IndexInterface
	IndexWidth
	// NumShapeParams is the number of parameters preceding the scalings.
	NumShapeParams
)

// MaxScale is the upper bound of every per-profile scaling.
const MaxScale = 100.0

// Parameters is the structured view of a parameter vector.
type Parameters struct {
	D         [2]float64 `json:"d"`
	F         [2]float64 `json:"f"`
	Interface float64    `json:"interface"`
	Width     float64    `json:"width"`
	Scales    []float64  `json:"scales"`
}

// Unpack splits x into its named components. The scalings alias x.
func Unpack(x []float64) Parameters {
	return Parameters{
		D:         [2]float64{x[IndexD1], x[IndexD2]},
		F:         [2]float64{x[IndexF1], x[IndexF2]},
		Interface: x[IndexInterface],
		Width:     x[IndexWidth],
		Scales:    x[NumShapeParams:],
	}
}

// Pack flattens p into a parameter vector.
func (p Parameters) Pack() []float64 {
	x := make([]float64, NumShapeParams, NumShapeParams+len(p.Scales))
	x[IndexD1], x[IndexD2] = p.D[0], p.D[1]
	x[IndexF1], x[IndexF2] = p.F[0], p.F[1]
	x[IndexInterface] = p.Interface
	x[IndexWidth] = p.Width
	return append(x, p.Scales...)
}

// DeltaF returns the free energy difference between the two levels.
func (p Parameters) DeltaF() float64 {
	return p.F[1] - p.F[0]
}

// Bounds holds the box constraints of the least-squares problem.
type Bounds struct {
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// NewBounds returns D ∈ [0, dMax], F ∈ [-fMax, fMax], interface and width
// ∈ [0, xMax] and every scaling ∈ [0, MaxScale].
func NewBounds(profiles int, dMax, fMax, xMax float64) (Bounds, error) {
	const op = "fit.NewBounds"

	switch {
	case profiles < 1:
		return Bounds{}, errors.Precondition(op, "need at least one measured profile, got %d", profiles)
	case dMax <= 0:
		return Bounds{}, errors.Precondition(op, "maximum diffusivity must be positive, got %g", dMax)
	case fMax <= 0:
		return Bounds{}, errors.Precondition(op, "maximum free energy must be positive, got %g", fMax)
	case xMax <= 0:
		return Bounds{}, errors.Precondition(op, "maximum position must be positive, got %g", xMax)
	}

	lower := Parameters{F: [2]float64{-fMax, -fMax}, Scales: make([]float64, profiles)}
	upper := Parameters{
		D:         [2]float64{dMax, dMax},
		F:         [2]float64{fMax, fMax},
		Interface: xMax,
		Width:     xMax,
		Scales:    make([]float64, profiles),
	}
	for i := range upper.Scales {
		upper.Scales[i] = MaxScale
	}
	return Bounds{Lower: lower.Pack(), Upper: upper.Pack()}, nil
}

// Dim returns the number of parameters.
func (b Bounds) Dim() int {
	return len(b.Lower)
}

// Contains reports whether x lies inside the box.
func (b Bounds) Contains(x []float64) bool {
	if len(x) != len(b.Lower) {
		return false
	}
	for i, v := range x {
		if v < b.Lower[i] || v > b.Upper[i] {
			return false
		}
	}
	return true
}

// Clamp projects x onto the box in place.
func (b Bounds) Clamp(x []float64) {
	for i := range x {
		x[i] = clamp(x[i], b.Lower[i], b.Upper[i])
	}
}

// Normalize maps x to u ∈ [0, 1]^n.
func (b Bounds) Normalize(dst, x []float64) {
	for i := range x {
		dst[i] = (x[i] - b.Lower[i]) / (b.Upper[i] - b.Lower[i])
	}
}

// Denormalize maps u back to parameter space.
func (b Bounds) Denormalize(dst, u []float64) {
	for i := range u {
		dst[i] = b.Lower[i] + u[i]*(b.Upper[i]-b.Lower[i])
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InitialGuess builds a start vector from two diffusivity levels: zero free
// energy, the interface in the middle of the measured range, a transition
// width of three grid spacings and unit scalings.
func InitialGuess(d [2]float64, profiles int, dx, xMax float64) []float64 {
	scales := make([]float64, profiles)
	for i := range scales {
		scales[i] = 1
	}
	return Parameters{
		D:         d,
		Interface: xMax / 2,
		Width:     3 * dx,
		Scales:    scales,
	}.Pack()
}
