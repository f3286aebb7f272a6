package model

import (
	"math"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// Shape maps a position to a profile value. The concrete shapes are a
// closed set: Step, Sigmoidal and LinearTransition.
type Shape interface {
	// Value returns the profile value at position x.
	Value(x float64) float64
	// Blend returns the weight of the second level at x, in [0, 1].
	Blend(x float64) float64
}

// Step switches from Left to Right at Interface.
type Step struct {
	Left, Right float64
	Interface   float64
}

// Value implements Shape.
func (s Step) Value(x float64) float64 {
	if x < s.Interface {
		return s.Left
	}
	return s.Right
}

// Blend implements Shape.
func (s Step) Blend(x float64) float64 {
	if x < s.Interface {
		return 0
	}
	return 1
}

// Sigmoidal interpolates between Left and Right with an error function
// centered at Interface; Width sets the transition length. A non-positive
// width degenerates to a Step.
type Sigmoidal struct {
	Left, Right float64
	Interface   float64
	Width       float64
}

// Value implements Shape.
func (s Sigmoidal) Value(x float64) float64 {
	w := s.Blend(x)
	return (1-w)*s.Left + w*s.Right
}

// Blend implements Shape.
func (s Sigmoidal) Blend(x float64) float64 {
	if s.Width <= 0 {
		return Step{Interface: s.Interface}.Blend(x)
	}
	return 0.5 * (1 + math.Erf((x-s.Interface)/(math.Sqrt2*s.Width)))
}

// LinearTransition ramps linearly from Left to Right over
// [Interface-Width/2, Interface+Width/2].
type LinearTransition struct {
	Left, Right float64
	Interface   float64
	Width       float64
}

// Value implements Shape.
func (l LinearTransition) Value(x float64) float64 {
	w := l.Blend(x)
	return (1-w)*l.Left + w*l.Right
}

// Blend implements Shape.
func (l LinearTransition) Blend(x float64) float64 {
	if l.Width <= 0 {
		return Step{Interface: l.Interface}.Blend(x)
	}
	lo := l.Interface - l.Width/2
	switch {
	case x <= lo:
		return 0
	case x >= lo+l.Width:
		return 1
	default:
		return (x - lo) / l.Width
	}
}

// ShapeKind selects a Shape family when parameters arrive as plain numbers.
type ShapeKind int

const (
	// ShapeSigmoidal is the default.
	ShapeSigmoidal ShapeKind = iota
	ShapeStep
	ShapeLinear
)

// ParseShapeKind parses "sigmoidal", "step" or "linear".
func ParseShapeKind(name string) (ShapeKind, error) {
	switch name {
	case "", "sigmoidal":
		return ShapeSigmoidal, nil
	case "step":
		return ShapeStep, nil
	case "linear":
		return ShapeLinear, nil
	default:
		return 0, errors.Precondition("model.ParseShapeKind", "unknown profile shape %q", name)
	}
}

// String returns the name accepted by ParseShapeKind.
func (k ShapeKind) String() string {
	switch k {
	case ShapeStep:
		return "step"
	case ShapeLinear:
		return "linear"
	default:
		return "sigmoidal"
	}
}

// New builds the Shape of this kind. Step ignores width.
func (k ShapeKind) New(left, right, iface, width float64) Shape {
	switch k {
	case ShapeStep:
		return Step{Left: left, Right: right, Interface: iface}
	case ShapeLinear:
		return LinearTransition{Left: left, Right: right, Interface: iface, Width: width}
	default:
		return Sigmoidal{Left: left, Right: right, Interface: iface, Width: width}
	}
}

// Sample evaluates shape at every grid position.
func Sample(shape Shape, grid []float64) []float64 {
	out := make([]float64, len(grid))
	for i, x := range grid {
		out[i] = shape.Value(x)
	}
	return out
}

// Clamp extends a gel profile over the computational grid, holding the
// bulkBins synthetic bulk bins at the first gel value so the bulk level
// cannot float independently of the measured region.
func Clamp(values []float64, bulkBins int) []float64 {
	shape := make([]int, 0, bulkBins+len(values))
	for i := 0; i < bulkBins; i++ {
		shape = append(shape, 0)
	}
	for i := range values {
		shape = append(shape, i)
	}
	out, _ := ExpandSegments(values, shape)
	return out
}

// ExpandSegments maps levels onto bins: bin i takes levels[shape[i]].
func ExpandSegments(levels []float64, shape []int) ([]float64, error) {
	out := make([]float64, len(shape))
	for i, s := range shape {
		if s < 0 || s >= len(levels) {
			return nil, errors.Precondition("model.ExpandSegments",
				"shape index %d at bin %d outside %d levels", s, i, len(levels))
		}
		out[i] = levels[s]
	}
	return out, nil
}

// Profiles synthesizes clamped D and F arrays on the computational grid.
func Profiles(d, f Shape, grid []float64) (D, F []float64) {
	return Clamp(Sample(d, grid), BulkBins), Clamp(Sample(f, grid), BulkBins)
}

// CheckConstant verifies that values[from..to] (inclusive) are identical.
func CheckConstant(name string, values []float64, from, to int) error {
	if from < 0 || to >= len(values) || from > to {
		return errors.Precondition("model.CheckConstant",
			"segment [%d, %d] outside %d values", from, to, len(values))
	}
	for i := from + 1; i <= to; i++ {
		if values[i] != values[from] {
			return &errors.ConsistencyError{
				Check:       "constant-segment",
				Message:     name + " is not kept constant in segment",
				Discrepancy: values[i] - values[from],
				Values:      append([]float64(nil), values[from:to+1]...),
			}
		}
	}
	return nil
}
