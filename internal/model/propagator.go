package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// Propagator advances concentration profiles with T = exp(W). Because the
// exponential is raised to integer powers, time is restricted to whole
// steps of the generator's time unit.
type Propagator struct {
	t *mat.Dense
	n int

	// open boundary source term W⁻¹·b; nil for reflective boundaries.
	qb *mat.VecDense
}

// NewPropagator precomputes T = exp(W) for a reflective generator.
func NewPropagator(w mat.Matrix) (*Propagator, error) {
	const op = "model.NewPropagator"

	r, c := w.Dims()
	if r != c || r == 0 {
		return nil, errors.Precondition(op, "generator must be square and non-empty, got %dx%d", r, c)
	}
	var t mat.Dense
	t.Exp(w)
	return &Propagator{t: &t, n: r}, nil
}

// NewPropagatorFromExp wraps a precomputed T = exp(W).
func NewPropagatorFromExp(t *mat.Dense) (*Propagator, error) {
	r, c := t.Dims()
	if r != c || r == 0 {
		return nil, errors.Precondition("model.NewPropagatorFromExp", "T must be square and non-empty, got %dx%d", r, c)
	}
	return &Propagator{t: t, n: r}, nil
}

// NewOpenPropagator precomputes T = exp(W) and the steady-state source term
// W⁻¹·b for a one-side open generator coupled to a reservoir held at
// cExternal. W must be non-singular.
func NewOpenPropagator(g *Generator, cExternal float64) (*Propagator, error) {
	const op = "model.NewOpenPropagator"

	if g.Boundary != OpenOneSide {
		return nil, errors.Precondition(op, "generator has %s boundaries", g.Boundary)
	}
	p, err := NewPropagator(g.W)
	if err != nil {
		return nil, err
	}

	b := mat.NewVecDense(p.n, nil)
	b.SetVec(0, cExternal*g.Coupling)

	var qb mat.VecDense
	if err := qb.SolveVec(g.W, b); err != nil {
		return nil, errors.Numerical(op, err)
	}
	p.qb = &qb
	return p, nil
}

// Size returns the number of bins the propagator acts on.
func (p *Propagator) Size() int {
	return p.n
}

// Exp returns T = exp(W). The returned matrix must not be modified.
func (p *Propagator) Exp() *mat.Dense {
	return p.t
}

// At returns the profile after steps applications of T to c0:
// T^steps·c0, plus (T^steps − I)·W⁻¹·b for open boundaries.
func (p *Propagator) At(c0 []float64, steps int) ([]float64, error) {
	const op = "model.Propagator.At"

	if len(c0) != p.n {
		return nil, errors.Precondition(op, "profile has %d bins, generator %d", len(c0), p.n)
	}
	if steps < 0 {
		return nil, errors.Precondition(op, "time step must be a non-negative integer, got %d", steps)
	}

	var tp mat.Dense
	tp.Pow(p.t, steps)

	var out mat.VecDense
	out.MulVec(&tp, mat.NewVecDense(p.n, append([]float64(nil), c0...)))

	if p.qb != nil {
		var src mat.VecDense
		src.MulVec(&tp, p.qb)
		src.SubVec(&src, p.qb)
		out.AddVec(&out, &src)
	}
	return out.RawVector().Data, nil
}

// Series propagates c0 to every entry of steps.
func (p *Propagator) Series(c0 []float64, steps []int) ([][]float64, error) {
	out := make([][]float64, len(steps))
	for k, s := range steps {
		c, err := p.At(c0, s)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}
