package fit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestJacobianDifferencesBackwardAtUpperBound(t *testing.T) {
	p := syntheticProblem(t, truth)
	n, m := p.NumParams(), p.NumResiduals()
	res := newNormalizedResiduals(p)

	u := make([]float64, n)
	p.Bounds.Normalize(u, perturbedStart())
	u[IndexD1] = 1
	r := make([]float64, m)
	require.NoError(t, res.eval(r, u))

	evals := res.evals
	jac := mat.NewDense(m, n, nil)
	require.NoError(t, res.jacobian(jac, u, r, jacobianStep))
	assert.Equal(t, evals+n, res.evals, "one evaluation per column")

	column := func(i int, h float64) []float64 {
		shifted := append([]float64(nil), u...)
		shifted[i] += h
		rs := make([]float64, m)
		require.NoError(t, res.eval(rs, shifted))
		for k := range rs {
			rs[k] = (rs[k] - r[k]) / h
		}
		return rs
	}
	back := column(IndexD1, -jacobianStep)
	fwd := column(IndexD2, jacobianStep)
	for k := 0; k < m; k++ {
		assert.InDelta(t, back[k], jac.At(k, IndexD1), 1e-6, "row %d", k)
		assert.InDelta(t, fwd[k], jac.At(k, IndexD2), 1e-6, "row %d", k)
	}
}

func TestStepToBound(t *testing.T) {
	hits := make([]float64, 3)
	step := stepToBound(hits, []float64{0.5, 0.2, 0.4}, []float64{1, -0.1, 0})
	assert.InDelta(t, 0.5, step, 1e-15)
	assert.Equal(t, []float64{1, 0, 0}, hits)

	step = stepToBound(hits, []float64{0.5, 0.2, 0.4}, []float64{0.1, -0.4, 0})
	assert.InDelta(t, 0.5, step, 1e-15)
	assert.Equal(t, []float64{0, -1, 0}, hits)

	assert.True(t, math.IsInf(stepToBound(nil, []float64{0.5}, []float64{0}), 1))
}

func TestIntersectTrustRegion(t *testing.T) {
	assert.InDelta(t, 2, intersectTrustRegion([]float64{0, 0}, []float64{3, 4}, 10), 1e-12)
	assert.InDelta(t, 0.4, intersectTrustRegion([]float64{0.6, 0}, []float64{1, 0}, 1), 1e-12)
	assert.InDelta(t, 1.6, intersectTrustRegion([]float64{0.6, 0}, []float64{-1, 0}, 1), 1e-12)
	assert.True(t, math.IsInf(intersectTrustRegion([]float64{0.6}, []float64{0}, 1), 1))
}

func TestMinimizeQuadratic1D(t *testing.T) {
	tests := []struct {
		name       string
		a, b, c    float64
		lo, hi     float64
		wantT, val float64
	}{
		{"interior minimum", 1, -2, 0, 0, 5, 1, -1},
		{"clipped at the upper end", 1, -2, 0, 0, 0.5, 0.5, -0.75},
		{"concave", -1, 0, 0, -1, 2, 2, -4},
		{"offset", 0, 1, 3, -1, 1, -1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, val := minimizeQuadratic1D(tt.a, tt.b, tt.c, tt.lo, tt.hi)
			assert.InDelta(t, tt.wantT, got, 1e-12)
			assert.InDelta(t, tt.val, val, 1e-12)
		})
	}
}

func TestMakeStrictlyFeasible(t *testing.T) {
	u := []float64{-0.2, 0, 0.5, 1, 1.3}
	makeStrictlyFeasible(u, interiorMargin)
	assert.InDeltaSlice(t, []float64{interiorMargin, interiorMargin, 0.5, 1 - interiorMargin, 1 - interiorMargin}, u, 1e-15)

	u = []float64{0, 1, 0.5}
	makeStrictlyFeasible(u, 0)
	assert.Greater(t, u[0], 0.0)
	assert.Less(t, u[1], 1.0)
	assert.Equal(t, 0.5, u[2])
}

func TestUpdateRadius(t *testing.T) {
	tests := []struct {
		name                string
		actual, predicted   float64
		boundHit            bool
		wantDelta, wantRate float64
	}{
		{"poor agreement shrinks to the step", 0.1, 1, false, 0.2, 0.1},
		{"good agreement on the boundary grows", 0.9, 1, true, 2, 0.9},
		{"good agreement inside keeps", 0.9, 1, false, 1, 0.9},
		{"no predicted decrease", 0.5, 0, false, 0.2, 0},
		{"nothing predicted nothing gained", 0, 0, false, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, ratio := updateRadius(1, tt.actual, tt.predicted, 0.8, tt.boundHit)
			assert.InDelta(t, tt.wantDelta, delta, 1e-12)
			assert.InDelta(t, tt.wantRate, ratio, 1e-12)
		})
	}
}

func TestSubproblemStepRespectsRadius(t *testing.T) {
	w := newTRFWork(2, 2)
	jac := mat.NewDense(2, 2, []float64{2, 1, 0, 1})
	u := []float64{0.5, 0.5}
	g := []float64{-1, 0.5}
	w.scale(jac, u, g)
	require.NoError(t, w.factor())

	// Gauss-Newton solves B·p = -gh when it fits.
	ph := w.subproblemStep(100)
	var b mat.VecDense
	b.MulVec(w.b, mat.NewVecDense(2, ph))
	assert.InDelta(t, -w.gh[0], b.AtVec(0), 1e-10)
	assert.InDelta(t, -w.gh[1], b.AtVec(1), 1e-10)

	// Otherwise the step lands on the trust region boundary.
	gn := math.Hypot(ph[0], ph[1])
	ph = w.subproblemStep(gn / 10)
	assert.InEpsilon(t, gn/10, math.Hypot(ph[0], ph[1]), 0.011)
	assert.Less(t, w.model(ph), 0.0)
}

func TestSelectStepStaysInsideBox(t *testing.T) {
	const n, m = 3, 5
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := 0; trial < 200; trial++ {
		jac := mat.NewDense(m, n, nil)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				jac.Set(i, j, rng.NormFloat64())
			}
		}
		u := make([]float64, n)
		for i := range u {
			u[i] = 0.001 + 0.998*rng.Float64()
		}
		r := make([]float64, m)
		for i := range r {
			r[i] = 3 * rng.NormFloat64()
		}
		g := make([]float64, n)
		mat.NewVecDense(n, g).MulVec(jac.T(), mat.NewVecDense(m, r))

		w := newTRFWork(n, m)
		gNorm := w.scale(jac, u, g)
		require.NoError(t, w.factor())
		delta := 0.1 + 10*rng.Float64()

		ph := w.subproblemStep(delta)
		p := make([]float64, n)
		for i := range p {
			p[i] = w.d[i] * ph[i]
		}
		step, _, predicted := w.selectStep(u, p, ph, delta, math.Max(0.995, 1-gNorm))

		assert.GreaterOrEqual(t, predicted, 0.0, "trial %d", trial)
		for i := range u {
			x := u[i] + step[i]
			assert.True(t, x >= 0 && x <= 1, "trial %d: coordinate %d at %g", trial, i, x)
		}
	}
}
