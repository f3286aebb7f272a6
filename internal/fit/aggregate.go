package fit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

// NormalizedError converts a cost ½·Σr² into a per-bin error in
// concentration units. The degrees of freedom are the gel bins times the
// number of late-time profiles, one per fitted scaling.
func (p *Problem) NormalizedError(cost float64) float64 {
	return math.Sqrt(2 * cost / float64(p.Disc.GelBins()*len(p.Measured)))
}

// TopCount returns how many of n runs the top fraction selects. The small
// guard keeps products like 0.3·10 from rounding up to 4.
func TopCount(topPercent float64, n int) int {
	k := int(math.Ceil(topPercent*float64(n) - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// Estimate is the ensemble estimate of a sweep.
type Estimate struct {
	TopPercent float64 `json:"top_percent"`
	// Runs is the number of usable runs; Selected how many were averaged.
	Runs     int `json:"runs"`
	Selected int `json:"selected"`
	// Errors holds the normalized errors of the selected runs, ascending.
	Errors []float64 `json:"errors"`

	Best Result `json:"best"`
	// Mean and Std are the population mean and standard deviation of the
	// selected parameter vectors.
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`

	// Per-bin profiles over the computational grid.
	DBest []float64 `json:"d_best"`
	FBest []float64 `json:"f_best"`
	DMean []float64 `json:"d_mean"`
	FMean []float64 `json:"f_mean"`
	DStd  []float64 `json:"d_std"`
	FStd  []float64 `json:"f_std"`

	// Implied bulk concentration for every late-time profile.
	CBulkBest []float64 `json:"c_bulk_best"`
	CBulkMean []float64 `json:"c_bulk_mean"`
	CBulkStd  []float64 `json:"c_bulk_std"`

	// Concentration is the best-fit propagation at t=0 and every measured
	// time stamp over the computational grid.
	Concentration [][]float64 `json:"concentration"`
}

type rankedResult struct {
	res Result
	err float64
}

// Aggregate ranks the successful runs by normalized error and derives the
// best and top-fraction averaged estimates.
func Aggregate(results []Result, p *Problem, topPercent float64) (*Estimate, error) {
	const op = "fit.Aggregate"

	if topPercent <= 0 || topPercent > 1 {
		return nil, errors.Precondition(op, "top fraction must be in (0, 1], got %g", topPercent)
	}

	ranked := make([]rankedResult, 0, len(results))
	for _, r := range results {
		if !r.OK() {
			continue
		}
		if len(r.Params) != p.NumParams() {
			return nil, errors.Precondition(op, "run %d has %d parameters, problem expects %d", r.Run, len(r.Params), p.NumParams())
		}
		ranked = append(ranked, rankedResult{res: r, err: p.NormalizedError(r.Cost)})
	}
	if len(ranked) == 0 {
		return nil, errors.Precondition(op, "no successful runs among %d results", len(results))
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].err < ranked[j].err })

	k := TopCount(topPercent, len(ranked))
	est := &Estimate{
		TopPercent: topPercent,
		Runs:       len(ranked),
		Selected:   k,
		Errors:     make([]float64, k),
		Best:       ranked[0].res,
	}
	for i := 0; i < k; i++ {
		est.Errors[i] = ranked[i].err
	}

	n := p.NumParams()
	est.Mean = make([]float64, n)
	est.Std = make([]float64, n)
	column := make([]float64, k)
	for j := 0; j < n; j++ {
		for i := 0; i < k; i++ {
			column[i] = ranked[i].res.Params[j]
		}
		est.Mean[j], est.Std[j] = stat.PopMeanStdDev(column, nil)
	}

	est.DBest, est.FBest = p.Profiles(est.Best.Params)
	est.DMean, est.FMean = p.Profiles(est.Mean)
	est.DStd, est.FStd = p.stdProfiles(est.Mean, est.Std)

	best, mean, std := Unpack(est.Best.Params), Unpack(est.Mean), Unpack(est.Std)
	est.CBulkBest = p.BulkConcentration(best.Scales)
	est.CBulkMean = p.BulkConcentration(mean.Scales)
	est.CBulkStd = p.BulkConcentrationStd(std.Scales)

	series, err := p.Series(est.Best.Params)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	est.Concentration = series

	return est, nil
}

// stdProfiles propagates the level uncertainties to every bin, weighting
// them by the blend fraction of the mean shape. Interface and width
// uncertainties are neglected.
func (p *Problem) stdProfiles(mean, std []float64) (dStd, fStd []float64) {
	m, s := Unpack(mean), Unpack(std)
	blend := p.shape.New(0, 1, m.Interface, m.Width)

	dStd = make([]float64, len(p.Disc.Grid))
	fStd = make([]float64, len(p.Disc.Grid))
	for i, x := range p.Disc.Grid {
		w := blend.Blend(x)
		dStd[i] = math.Hypot((1-w)*s.D[0], w*s.D[1])
		fStd[i] = math.Hypot((1-w)*s.F[0], w*s.F[1])
	}
	return model.Clamp(dStd, model.BulkBins), model.Clamp(fStd, model.BulkBins)
}

// BulkConcentration derives the bulk concentration implied by every
// scaled late-time profile from mass balance: the initial amount minus
// the amount found in the gel, spread over the bulk phase.
func (p *Problem) BulkConcentration(scales []float64) []float64 {
	total := p.Disc.Mass(p.Initial)
	out := make([]float64, len(p.Measured))
	for k, c := range p.Measured {
		gel := p.Disc.Dx * scales[k] * floats.Sum(c)
		out[k] = (total - gel) / p.Disc.BulkLength
	}
	return out
}

// BulkConcentrationStd propagates the scaling uncertainties linearly to
// the bulk concentrations.
func (p *Problem) BulkConcentrationStd(scaleStd []float64) []float64 {
	out := make([]float64, len(p.Measured))
	for k, c := range p.Measured {
		out[k] = scaleStd[k] * p.Disc.Dx * floats.Sum(c) / p.Disc.BulkLength
	}
	return out
}

// Quantity is a scalar estimate.
type Quantity struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Best float64 `json:"best"`
}

// Summary is the compact labeled record of an estimate.
type Summary struct {
	// DBulk and DGel are the diffusivities left and right of the interface
	// in µm²/s.
	DBulk Quantity `json:"d_bulk"`
	DGel  Quantity `json:"d_gel"`
	// DeltaF is F2 − F1 in k_BT.
	DeltaF Quantity `json:"delta_f"`
	// Interface and Width are in µm.
	Interface Quantity `json:"interface"`
	Width     Quantity `json:"width"`
	// MinError is the lowest normalized error in µM.
	MinError float64 `json:"min_error"`
	Runs     int     `json:"runs"`
	Selected int     `json:"selected"`
}

// Summary condenses the estimate. The ΔF uncertainty adds the two level
// deviations.
func (e *Estimate) Summary() Summary {
	mean, std, best := Unpack(e.Mean), Unpack(e.Std), Unpack(e.Best.Params)
	return Summary{
		DBulk:     Quantity{Mean: mean.D[0], Std: std.D[0], Best: best.D[0]},
		DGel:      Quantity{Mean: mean.D[1], Std: std.D[1], Best: best.D[1]},
		DeltaF:    Quantity{Mean: mean.DeltaF(), Std: std.F[0] + std.F[1], Best: best.DeltaF()},
		Interface: Quantity{Mean: mean.Interface, Std: std.Interface, Best: best.Interface},
		Width:     Quantity{Mean: mean.Width, Std: std.Width, Best: best.Width},
		MinError:  e.Errors[0],
		Runs:      e.Runs,
		Selected:  e.Selected,
	}
}
