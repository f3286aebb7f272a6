package fit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

func TestParametersLayout(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	p := Unpack(x)

	assert.Equal(t, [2]float64{1, 2}, p.D)
	assert.Equal(t, [2]float64{3, 4}, p.F)
	assert.Equal(t, 5.0, p.Interface)
	assert.Equal(t, 6.0, p.Width)
	assert.Equal(t, []float64{7, 8}, p.Scales)
	assert.Equal(t, 1.0, p.DeltaF())
	assert.Equal(t, x, p.Pack())
}

func TestNewBounds(t *testing.T) {
	b, err := NewBounds(2, 1000, 20, 200)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, -20, -20, 0, 0, 0, 0}, b.Lower)
	assert.Equal(t, []float64{1000, 1000, 20, 20, 200, 200, 100, 100}, b.Upper)
	assert.Equal(t, 8, b.Dim())

	assert.True(t, b.Contains([]float64{0, 1000, -20, 20, 0, 200, 1, 100}))
	assert.False(t, b.Contains([]float64{0, 1001, 0, 0, 0, 0, 1, 1}))
	assert.False(t, b.Contains([]float64{0, 0}))

	x := []float64{-1, 2000, -30, 30, 100, 300, 50, -5}
	b.Clamp(x)
	assert.Equal(t, []float64{0, 1000, -20, 20, 100, 200, 50, 0}, x)

	u := make([]float64, 8)
	b.Normalize(u, []float64{500, 0, 0, 20, 50, 200, 25, 100})
	assert.InDeltaSlice(t, []float64{0.5, 0, 0.5, 1, 0.25, 1, 0.25, 1}, u, 1e-15)

	back := make([]float64, 8)
	b.Denormalize(back, u)
	assert.InDeltaSlice(t, []float64{500, 0, 0, 20, 50, 200, 25, 100}, back, 1e-12)
}

func TestNewBoundsPreconditions(t *testing.T) {
	tests := []struct {
		name             string
		profiles         int
		dMax, fMax, xMax float64
	}{
		{"no profiles", 0, 1000, 20, 200},
		{"zero dmax", 1, 0, 20, 200},
		{"negative fmax", 1, 1000, -1, 200},
		{"zero extent", 1, 1000, 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBounds(tt.profiles, tt.dMax, tt.fMax, tt.xMax)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindPrecondition))
		})
	}
}

func TestInitialGuess(t *testing.T) {
	x := InitialGuess([2]float64{123, 456}, 3, 10, 200)
	p := Unpack(x)

	assert.Equal(t, [2]float64{123, 456}, p.D)
	assert.Equal(t, [2]float64{0, 0}, p.F)
	assert.Equal(t, 100.0, p.Interface)
	assert.Equal(t, 30.0, p.Width)
	assert.Equal(t, []float64{1, 1, 1}, p.Scales)
}

func TestDrawDiffusivities(t *testing.T) {
	for _, method := range []Sampling{UniformSampling, LatinHypercube} {
		t.Run(method.String(), func(t *testing.T) {
			a := DrawDiffusivities(10, 1000, method, 42)
			b := DrawDiffusivities(10, 1000, method, 42)
			require.Len(t, a, 10)
			assert.Equal(t, a, b, "same seed, same draws")

			for _, d := range a {
				for _, v := range d {
					assert.GreaterOrEqual(t, v, 0.0)
					assert.Less(t, v, 1000.0)
				}
			}
		})
	}

	// One draw per stratum in every dimension.
	samples := DrawDiffusivities(8, 800, LatinHypercube, 7)
	for dim := 0; dim < 2; dim++ {
		seen := make(map[int]bool)
		for _, s := range samples {
			seen[int(s[dim]/100)] = true
		}
		assert.Len(t, seen, 8)
	}
}

func TestParseEnums(t *testing.T) {
	m, err := ParseMethod("nelder-mead")
	require.NoError(t, err)
	assert.Equal(t, NelderMead, m)
	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, LevenbergMarquardt, m)
	_, err = ParseMethod("trf")
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))

	s, err := ParseSampling("lhs")
	require.NoError(t, err)
	assert.Equal(t, LatinHypercube, s)
	_, err = ParseSampling("sobol")
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))
}
