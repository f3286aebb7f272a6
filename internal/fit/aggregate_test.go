package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

// rankedResults returns ten successful runs whose costs are a permutation of
// 1..10. Run i has D1 = 100+10i and F1 = 0.1i; the three cheapest runs are
// 0, 3 and 6.
func rankedResults() []Result {
	results := make([]Result, 10)
	for i := range results {
		params := truth
		params.D = [2]float64{100 + 10*float64(i), truth.D[1]}
		params.F = [2]float64{0.1 * float64(i), truth.F[1]}
		results[i] = Result{
			Run:    i,
			Params: params.Pack(),
			Cost:   float64((i*7)%10 + 1),
			Status: StatusConverged,
		}
	}
	return results
}

func TestTopCount(t *testing.T) {
	tests := []struct {
		top  float64
		n    int
		want int
	}{
		{0.3, 10, 3},
		{0.1, 10, 1},
		{0.05, 10, 1},
		{0.25, 10, 3},
		{1, 10, 10},
		{0.5, 3, 2},
		{0.01, 3, 1},
		{0.7, 1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopCount(tt.top, tt.n), "TopCount(%g, %d)", tt.top, tt.n)
	}
}

func TestAggregateSelectsTopFraction(t *testing.T) {
	p := syntheticProblem(t, truth)
	results := append(rankedResults(), Result{Run: 10, Status: StatusFailed, Error: "diverged"})

	est, err := Aggregate(results, p, 0.3)
	require.NoError(t, err)

	assert.Equal(t, 10, est.Runs, "failed runs are not ranked")
	assert.Equal(t, 3, est.Selected)
	assert.Equal(t, 0, est.Best.Run)
	require.Len(t, est.Errors, 3)
	for i, cost := range []float64{1, 2, 3} {
		assert.InDelta(t, p.NormalizedError(cost), est.Errors[i], 1e-15)
	}

	assert.InDelta(t, 130, est.Mean[IndexD1], 1e-9)
	assert.InDelta(t, math.Sqrt(600), est.Std[IndexD1], 1e-9)
	assert.InDelta(t, 0.3, est.Mean[IndexF1], 1e-12)
	assert.InDelta(t, truth.D[1], est.Mean[IndexD2], 1e-12)
	assert.InDelta(t, 0, est.Std[IndexD2], 1e-12)

	bins := p.Disc.Bins()
	for _, profile := range [][]float64{est.DBest, est.FBest, est.DMean, est.FMean, est.DStd, est.FStd} {
		assert.Len(t, profile, bins)
	}
	assert.InDelta(t, 100, est.DBest[0], 0.01)
	assert.InEpsilon(t, math.Sqrt(600), est.DStd[0], 1e-4, "left of the interface the bulk level dominates")
	assert.Less(t, est.DStd[bins-1], 0.05)

	require.Len(t, est.Concentration, len(truthTimes))
	assert.Equal(t, p.Initial, est.Concentration[0])
	assert.Len(t, est.CBulkBest, len(p.Measured))
}

func TestAggregateSummary(t *testing.T) {
	p := syntheticProblem(t, truth)

	est, err := Aggregate(rankedResults(), p, 0.3)
	require.NoError(t, err)
	s := est.Summary()

	assert.InDelta(t, 130, s.DBulk.Mean, 1e-9)
	assert.InDelta(t, 100, s.DBulk.Best, 1e-12)
	assert.InDelta(t, truth.D[1], s.DGel.Mean, 1e-12)

	assert.InDelta(t, -1.3, s.DeltaF.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(0.06), s.DeltaF.Std, 1e-12)
	assert.InDelta(t, -1, s.DeltaF.Best, 1e-12, "best ΔF is F2 minus F1 of the best run")

	assert.InDelta(t, truth.Interface, s.Interface.Mean, 1e-12)
	assert.Equal(t, est.Errors[0], s.MinError)
	assert.Equal(t, 10, s.Runs)
	assert.Equal(t, 3, s.Selected)
}

func TestBulkConcentration(t *testing.T) {
	p := syntheticProblem(t, truth)

	// With exact scalings the implied bulk concentration is the width
	// weighted average of the predicted bulk bins.
	predicted, err := p.Predict(truth.Pack())
	require.NoError(t, err)
	cBulk := p.BulkConcentration(truth.Scales)
	for k, c := range predicted {
		bulk := floats.Dot(c[:model.BulkBins], p.Disc.Width[:model.BulkBins]) / p.Disc.BulkLength
		assert.InEpsilon(t, bulk, cBulk[k], 1e-6, "profile %d", k)
		assert.Less(t, cBulk[k], 10.0)
	}

	// The uncertainty is the linear response to the scalings.
	shifted := p.BulkConcentration([]float64{1.1, 1, 1})
	std := p.BulkConcentrationStd([]float64{0.1, 0, 0})
	assert.InDelta(t, cBulk[0]-shifted[0], std[0], 1e-12)
	assert.Equal(t, 0.0, std[1])
}

func TestAggregatePreconditions(t *testing.T) {
	p := syntheticProblem(t, truth)

	for _, top := range []float64{0, -0.1, 1.5} {
		_, err := Aggregate(rankedResults(), p, top)
		assert.True(t, errors.IsKind(err, errors.KindPrecondition), "top %g", top)
	}

	_, err := Aggregate([]Result{{Run: 0, Error: "boom"}}, p, 0.3)
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))

	_, err = Aggregate([]Result{{Run: 0, Params: []float64{1, 2}}}, p, 0.3)
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))
}
