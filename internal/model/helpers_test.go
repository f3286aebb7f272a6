package model

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// assertMatEqual checks if two matrices are approximately equal
func assertMatEqual(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()
	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}

	for i := 0; i < rg; i++ {
		for j := 0; j < cg; j++ {
			g := got.At(i, j)
			w := want.At(i, j)
			if math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}

// randomProfiles draws n diffusivities in [dMin, dMax] and free energies in
// [-fMax, fMax].
func randomProfiles(rng *rand.Rand, n int, dMin, dMax, fMax float64) (d, f []float64) {
	d = make([]float64, n)
	f = make([]float64, n)
	for i := range d {
		d[i] = dMin + rng.Float64()*(dMax-dMin)
		f[i] = -fMax + 2*rng.Float64()*fMax
	}
	return d, f
}

// uniformGrid returns n positions starting at dx with spacing dx.
func uniformGrid(n int, dx float64) []float64 {
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = float64(i+1) * dx
	}
	return grid
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}
