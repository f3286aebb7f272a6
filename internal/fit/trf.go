package fit

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

const (
	// jacobianStep is the finite-difference step in normalized coordinates.
	jacobianStep = 1e-7
	// interiorMargin is the distance from a bound a start is moved to.
	interiorMargin = 1e-10
	// maxRejections bounds the radius reductions within one iteration.
	maxRejections = 60
)

// normalizedResiduals evaluates the residuals at box-normalized coordinates.
type normalizedResiduals struct {
	p     *Problem
	x     []float64
	evals int
	err   error
}

func newNormalizedResiduals(p *Problem) *normalizedResiduals {
	return &normalizedResiduals{p: p, x: make([]float64, p.NumParams())}
}

func (n *normalizedResiduals) eval(dst, u []float64) error {
	n.evals++
	n.p.Bounds.Denormalize(n.x, u)
	return n.p.ResidualsTo(dst, n.x)
}

// jacobianFunc adapts eval to fd.Jacobian. The first error is kept and
// the output poisoned with NaN so the caller can detect it.
func (n *normalizedResiduals) jacobianFunc(y, u []float64) {
	if err := n.eval(y, u); err != nil {
		if n.err == nil {
			n.err = err
		}
		for i := range y {
			y[i] = math.NaN()
		}
	}
}

// jacobian fills jac with one-sided differences at u, where r = r(u).
// Coordinates within h of the upper bound are differenced backward so that
// no evaluation leaves the box.
func (n *normalizedResiduals) jacobian(jac *mat.Dense, u, r []float64, h float64) error {
	n.err = nil
	var forward, backward []int
	for i, ui := range u {
		if ui+h > 1 {
			backward = append(backward, i)
		} else {
			forward = append(forward, i)
		}
	}
	n.jacobianColumns(jac, forward, fd.Forward, u, r, h)
	n.jacobianColumns(jac, backward, fd.Backward, u, r, h)
	return n.err
}

// jacobianColumns differentiates along the coordinates in cols only.
func (n *normalizedResiduals) jacobianColumns(jac *mat.Dense, cols []int, formula fd.Formula, u, r []float64, h float64) {
	if len(cols) == 0 {
		return
	}
	m := len(r)
	point := append([]float64(nil), u...)
	z := make([]float64, len(cols))
	for j, i := range cols {
		z[j] = u[i]
	}
	f := func(y, z []float64) {
		for j, i := range cols {
			point[i] = z[j]
		}
		n.jacobianFunc(y, point)
	}

	dst := jac
	if len(cols) != len(u) {
		dst = mat.NewDense(m, len(cols), nil)
	}
	fd.Jacobian(dst, f, z, &fd.JacobianSettings{
		Formula:     formula,
		OriginValue: r,
		Step:        h,
	})
	if dst != jac {
		for j, i := range cols {
			for k := 0; k < m; k++ {
				jac.Set(k, i, dst.At(k, j))
			}
		}
	}
}

// solveLM minimizes ½‖r‖² over u ∈ [0, 1]ⁿ with a trust-region reflective
// iteration. Each iteration solves the trust-region subproblem in the
// variables scaled by √v, v being the distance to the bound the gradient
// descends toward, and turns the solution into a strictly feasible step.
func solveLM(p *Problem, x0 []float64, s SolverSettings) (*Solution, error) {
	const op = "fit.solveLM"

	n, m := p.NumParams(), p.NumResiduals()
	res := newNormalizedResiduals(p)

	u := make([]float64, n)
	p.Bounds.Normalize(u, x0)
	makeStrictlyFeasible(u, interiorMargin)

	r := make([]float64, m)
	if err := res.eval(r, u); err != nil {
		return nil, errors.Wrap(err, op)
	}
	cost := halfSquaredNorm(r)

	w := newTRFWork(n, m)
	jac := mat.NewDense(m, n, nil)
	g := make([]float64, n)
	gv := mat.NewVecDense(n, g)
	uNew := make([]float64, n)
	rNew := make([]float64, m)

	var delta float64
	status := StatusIterationLimit
	iter := 0

	for iter = 0; iter < s.MaxIterations; iter++ {
		if err := res.jacobian(jac, u, r, jacobianStep); err != nil {
			if isFatal(err) {
				return nil, errors.Wrap(err, op)
			}
			return nil, errors.Numerical(op, fmt.Errorf("jacobian at iteration %d: %w", iter, err))
		}
		gv.MulVec(jac.T(), mat.NewVecDense(m, r))

		gNorm := w.scale(jac, u, g)
		if iter == 0 {
			delta = initialRadius(u, w.v)
		}
		if gNorm <= s.GradTol*math.Max(1, cost) {
			status = StatusConverged
			break
		}
		if err := w.factor(); err != nil {
			return nil, errors.Numerical(op, err)
		}
		theta := math.Max(0.995, 1-gNorm)

		reduction := -1.0
		done := false
		for k := 0; reduction <= 0 && k < maxRejections; k++ {
			ph := w.subproblemStep(delta)
			pu := make([]float64, n)
			floats.MulTo(pu, w.d, ph)

			step, stepH, predicted := w.selectStep(u, pu, ph, delta, theta)
			floats.AddTo(uNew, u, step)
			makeStrictlyFeasible(uNew, 0)

			stepHNorm := floats.Norm(stepH, 2)
			if err := res.eval(rNew, uNew); err != nil {
				if isFatal(err) {
					return nil, errors.Wrap(err, op)
				}
				delta = 0.25 * stepHNorm
				continue
			}
			costNew := halfSquaredNorm(rNew)
			reduction = cost - costNew

			var ratio float64
			delta, ratio = updateRadius(delta, reduction, predicted, stepHNorm, stepHNorm > 0.95*delta)

			stepNorm := floats.Norm(step, 2)
			if (reduction < s.FuncTol*cost && ratio > 0.25) || stepNorm < s.StepTol*(s.StepTol+floats.Norm(u, 2)) {
				done = true
				break
			}
		}

		if reduction > 0 {
			copy(u, uNew)
			copy(r, rNew)
			cost -= reduction
			s.Logger.Debug("accepted step",
				zap.Int("iteration", iter),
				zap.Float64("cost", cost),
				zap.Float64("radius", delta),
				zap.Float64("optimality", gNorm))
		}
		if done || cost == 0 {
			status = StatusConverged
			iter++
			break
		}
		if reduction <= 0 {
			status = StatusStalled
			iter++
			break
		}
	}

	x := make([]float64, n)
	p.Bounds.Denormalize(x, u)
	p.Bounds.Clamp(x)
	return &Solution{
		X:           x,
		Cost:        cost,
		Iterations:  iter,
		Evaluations: res.evals,
		Status:      status,
	}, nil
}

// trfWork holds the scaled quantities of one iteration: d = √v, the scaled
// Jacobian J·diag(d), the scaled gradient d∘g and the diagonal |g| of the
// coordinates whose gradient is nonzero.
type trfWork struct {
	v, dv []float64
	d     []float64
	gh    []float64
	diagH []float64
	jh    *mat.Dense
	b     *mat.SymDense

	eig    mat.EigenSym
	vals   []float64
	vecs   mat.Dense
	coeffs []float64

	js, js0 *mat.VecDense
}

func newTRFWork(n, m int) *trfWork {
	return &trfWork{
		v:      make([]float64, n),
		dv:     make([]float64, n),
		d:      make([]float64, n),
		gh:     make([]float64, n),
		diagH:  make([]float64, n),
		jh:     mat.NewDense(m, n, nil),
		b:      mat.NewSymDense(n, nil),
		coeffs: make([]float64, n),
		js:     mat.NewVecDense(m, nil),
		js0:    mat.NewVecDense(m, nil),
	}
}

// scale computes the Coleman-Li vector for u and g and the scaled
// quantities derived from it. It returns the optimality ‖v∘g‖∞.
func (w *trfWork) scale(jac *mat.Dense, u, g []float64) float64 {
	gNorm := 0.0
	for i, gi := range g {
		switch {
		case gi < 0:
			w.v[i], w.dv[i] = 1-u[i], -1
		case gi > 0:
			w.v[i], w.dv[i] = u[i], 1
		default:
			w.v[i], w.dv[i] = 1, 0
		}
		gNorm = math.Max(gNorm, math.Abs(gi*w.v[i]))

		w.d[i] = math.Sqrt(w.v[i])
		w.gh[i] = w.d[i] * gi
		w.diagH[i] = gi * w.dv[i]
	}
	w.jh.Copy(jac)
	m, _ := w.jh.Dims()
	for i, di := range w.d {
		for k := 0; k < m; k++ {
			w.jh.Set(k, i, w.jh.At(k, i)*di)
		}
	}
	return gNorm
}

// factor decomposes B = Jhᵀ·Jh + diag(diagH) for the subproblem.
func (w *trfWork) factor() error {
	w.b.SymOuterK(1, w.jh.T())
	for i, di := range w.diagH {
		w.b.SetSym(i, i, w.b.At(i, i)+di)
	}
	if ok := w.eig.Factorize(w.b, true); !ok {
		return fmt.Errorf("eigendecomposition of the scaled normal matrix failed")
	}
	w.vals = w.eig.Values(w.vals)
	w.eig.VectorsTo(&w.vecs)

	c := mat.NewVecDense(len(w.coeffs), w.coeffs)
	c.MulVec(w.vecs.T(), mat.NewVecDense(len(w.gh), w.gh))
	for i, lam := range w.vals {
		if lam < 0 {
			w.vals[i] = 0
		}
	}
	return nil
}

// subproblemStep minimizes gₕᵀp + ½pᵀBp subject to ‖p‖ ≤ delta. The
// Gauss-Newton step is taken when it fits, otherwise the Levenberg-Marquardt
// parameter μ with ‖(B + μI)⁻¹gₕ‖ = delta is found by safeguarded Newton
// iteration on 1/‖p(μ)‖.
func (w *trfWork) subproblemStep(delta float64) []float64 {
	n := len(w.coeffs)
	lamMax := floats.Max(w.vals)
	tol := 1e-14 * math.Max(lamMax, 1e-300)
	cNorm := floats.Norm(w.coeffs, 2)

	mu := 0.0
	fits := true
	gn := 0.0
	for i, lam := range w.vals {
		switch {
		case lam > tol:
			gn += (w.coeffs[i] / lam) * (w.coeffs[i] / lam)
		case math.Abs(w.coeffs[i]) > 1e-14*cNorm:
			fits = false
		}
	}
	if !fits || math.Sqrt(gn) > delta {
		mu = w.levenbergParameter(delta, cNorm)
	}

	z := make([]float64, n)
	for i, lam := range w.vals {
		switch {
		case mu > 0:
			z[i] = -w.coeffs[i] / (lam + mu)
		case lam > tol:
			z[i] = -w.coeffs[i] / lam
		}
	}
	ph := mat.NewVecDense(n, nil)
	ph.MulVec(&w.vecs, mat.NewVecDense(n, z))
	return ph.RawVector().Data
}

func (w *trfWork) levenbergParameter(delta, cNorm float64) float64 {
	lo, hi := 0.0, cNorm/delta
	mu := 1e-3 * hi
	for k := 0; k < 50; k++ {
		if mu <= lo || mu >= hi {
			mu = math.Max(1e-3*hi, math.Sqrt(lo*hi))
		}
		s2, s3 := 0.0, 0.0
		for i, lam := range w.vals {
			q := w.coeffs[i] * w.coeffs[i] / ((lam + mu) * (lam + mu))
			s2 += q
			s3 += q / (lam + mu)
		}
		phi := math.Sqrt(s2)
		if math.Abs(phi-delta) <= 0.01*delta {
			break
		}
		if phi > delta {
			lo = mu
		} else {
			hi = mu
		}
		mu += (phi/delta - 1) * s2 / s3
	}
	return mu
}

// quadratic1D returns a, b, c with m(s0 + t·s) = a·t² + b·t + c for the
// scaled quadratic model m(p) = gₕᵀp + ½pᵀBp. A nil s0 means zero.
func (w *trfWork) quadratic1D(s, s0 []float64) (a, b, c float64) {
	n := len(s)
	w.js.MulVec(w.jh, mat.NewVecDense(n, s))
	a = mat.Dot(w.js, w.js)
	b = floats.Dot(w.gh, s)
	for i, di := range w.diagH {
		a += di * s[i] * s[i]
	}
	a *= 0.5
	if s0 == nil {
		return a, b, 0
	}

	w.js0.MulVec(w.jh, mat.NewVecDense(n, s0))
	b += mat.Dot(w.js0, w.js)
	c = 0.5*mat.Dot(w.js0, w.js0) + floats.Dot(w.gh, s0)
	for i, di := range w.diagH {
		b += s0[i] * di * s[i]
		c += 0.5 * di * s0[i] * s0[i]
	}
	return a, b, c
}

// model evaluates the scaled quadratic model at p.
func (w *trfWork) model(p []float64) float64 {
	a, b, _ := w.quadratic1D(p, nil)
	return a + b
}

// selectStep turns the trust-region step p (ph in scaled variables) into a
// strictly feasible one. If u+p leaves the box the candidates are p cut back
// to θ of the distance to the bound, its reflection off that bound, and the
// scaled gradient step; the one with the lowest model value wins. It returns
// the step, its scaled form and the predicted cost reduction.
func (w *trfWork) selectStep(u, p, ph []float64, delta, theta float64) (step, stepH []float64, predicted float64) {
	n := len(u)
	if insideBox(u, p) {
		return p, ph, -w.model(ph)
	}

	hits := make([]float64, n)
	pStride := stepToBound(hits, u, p)

	rh := make([]float64, n)
	rs := make([]float64, n)
	for i := range rh {
		rh[i] = ph[i]
		if hits[i] != 0 {
			rh[i] = -rh[i]
		}
		rs[i] = w.d[i] * rh[i]
	}

	floats.Scale(pStride, p)
	floats.Scale(pStride, ph)
	onBound := make([]float64, n)
	floats.AddTo(onBound, u, p)

	// The reflected ray ends at the box or the trust region, whichever
	// comes first.
	toTR := intersectTrustRegion(ph, rh, delta)
	toBound := stepToBound(nil, onBound, rs)
	rStride := math.Min(toBound, toTR)
	lo, hi := 0.0, -1.0
	if rStride > 0 {
		lo = (1 - theta) * pStride / rStride
		hi = toTR
		if rStride == toBound {
			hi = theta * toBound
		}
	}
	rValue := math.Inf(1)
	if lo <= hi {
		a, b, c := w.quadratic1D(rh, ph)
		var t float64
		t, rValue = minimizeQuadratic1D(a, b, c, lo, hi)
		for i := range rh {
			rh[i] = ph[i] + t*rh[i]
			rs[i] = w.d[i] * rh[i]
		}
	}

	floats.Scale(theta, p)
	floats.Scale(theta, ph)
	pValue := w.model(ph)

	agh := make([]float64, n)
	ag := make([]float64, n)
	for i := range agh {
		agh[i] = -w.gh[i]
		ag[i] = w.d[i] * agh[i]
	}
	agStride := delta / floats.Norm(agh, 2)
	if toBound := stepToBound(nil, u, ag); toBound < agStride {
		agStride = theta * toBound
	}
	a, b, _ := w.quadratic1D(agh, nil)
	t, agValue := minimizeQuadratic1D(a, b, 0, 0, agStride)
	floats.Scale(t, agh)
	floats.Scale(t, ag)

	switch {
	case pValue < rValue && pValue < agValue:
		return p, ph, -pValue
	case rValue < pValue && rValue < agValue:
		return rs, rh, -rValue
	default:
		return ag, agh, -agValue
	}
}

// updateRadius adapts the trust radius to the ratio of the actual to the
// predicted reduction and returns both.
func updateRadius(delta, actual, predicted, stepNorm float64, boundHit bool) (float64, float64) {
	var ratio float64
	switch {
	case predicted > 0:
		ratio = actual / predicted
	case predicted == 0 && actual == 0:
		ratio = 1
	}
	switch {
	case ratio < 0.25:
		delta = 0.25 * stepNorm
	case ratio > 0.75 && boundHit:
		delta *= 2
	}
	return delta, ratio
}

func initialRadius(u, v []float64) float64 {
	sum := 0.0
	for i := range u {
		sum += u[i] * u[i] / v[i]
	}
	if sum == 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
		return 1
	}
	return math.Sqrt(sum)
}

// makeStrictlyFeasible moves coordinates within margin of a bound to margin
// inside it. A zero margin moves coordinates on or past a bound to the
// adjacent representable value.
func makeStrictlyFeasible(u []float64, margin float64) {
	for i, ui := range u {
		switch {
		case ui <= margin && margin == 0:
			u[i] = math.Nextafter(0, 1)
		case ui <= margin:
			u[i] = margin
		case ui >= 1-margin && margin == 0:
			u[i] = math.Nextafter(1, 0)
		case ui >= 1-margin:
			u[i] = 1 - margin
		}
	}
}

func insideBox(u, p []float64) bool {
	for i := range u {
		if x := u[i] + p[i]; x < 0 || x > 1 {
			return false
		}
	}
	return true
}

// stepToBound returns the largest t with u + t·s in [0, 1]ⁿ. If hits is not
// nil it receives, per coordinate, the sign of s where that coordinate
// reaches its bound at t and zero elsewhere.
func stepToBound(hits, u, s []float64) float64 {
	t := math.Inf(1)
	for i := range s {
		if s[i] != 0 {
			t = math.Min(t, math.Max(-u[i]/s[i], (1-u[i])/s[i]))
		}
	}
	for i := range hits {
		hits[i] = 0
		if s[i] != 0 && math.Max(-u[i]/s[i], (1-u[i])/s[i]) == t {
			hits[i] = math.Copysign(1, s[i])
		}
	}
	return t
}

// intersectTrustRegion returns the positive t with ‖x + t·s‖ = delta for x
// inside the region.
func intersectTrustRegion(x, s []float64, delta float64) float64 {
	a := floats.Dot(s, s)
	if a == 0 {
		return math.Inf(1)
	}
	b := floats.Dot(x, s)
	c := floats.Dot(x, x) - delta*delta
	q := -(b + math.Copysign(math.Sqrt(math.Max(b*b-a*c, 0)), b))
	if q == 0 {
		return 0
	}
	return math.Max(q/a, c/q)
}

// minimizeQuadratic1D minimizes a·t² + b·t + c over [lo, hi].
func minimizeQuadratic1D(a, b, c, lo, hi float64) (float64, float64) {
	f := func(t float64) float64 { return a*t*t + b*t + c }
	best, value := lo, f(lo)
	if v := f(hi); v < value {
		best, value = hi, v
	}
	if a != 0 {
		if t := -0.5 * b / a; lo < t && t < hi {
			if v := f(t); v < value {
				best, value = t, v
			}
		}
	}
	return best, value
}
