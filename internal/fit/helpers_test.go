package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

// truth is the parameter set the synthetic datasets are generated from.
var truth = Parameters{
	D:         [2]float64{300, 30},
	F:         [2]float64{0, -1},
	Interface: 120,
	Width:     25,
	Scales:    []float64{1, 1, 1},
}

var truthTimes = []float64{0, 300, 900, 1800}

func testOptions() ProblemOptions {
	return ProblemOptions{
		TotalLength: 1780,
		DMax:        1000,
		FMax:        20,
		Shape:       model.ShapeSigmoidal,
	}
}

// uniformGrid returns n positions starting at dx with spacing dx.
func uniformGrid(n int, dx float64) []float64 {
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = float64(i+1) * dx
	}
	return grid
}

// initialGel is the measured t=0 gel profile of the synthetic datasets:
// solute that entered the gel during loading, decaying away from the
// surface. Its first value also fills the bulk.
func initialGel(grid []float64) []float64 {
	c := make([]float64, len(grid))
	for i, x := range grid {
		c[i] = 10 * math.Exp(-(x-grid[0])/40)
	}
	return c
}

// syntheticDataset propagates params from the measured t=0 profile and
// stores the late gel profiles divided by the scalings, so that params fit
// the data exactly.
func syntheticDataset(t testing.TB, params Parameters, times []float64) *Dataset {
	t.Helper()

	grid := uniformGrid(20, 10)
	ds := &Dataset{
		Name:     "synthetic",
		Grid:     grid,
		Times:    times,
		Profiles: make([][]float64, len(times)),
	}
	ds.Profiles[0] = initialGel(grid)
	for k := 1; k < len(times); k++ {
		ds.Profiles[k] = make([]float64, len(grid))
	}

	p, err := NewProblem(ds, testOptions())
	require.NoError(t, err)

	predicted, err := p.Predict(params.Pack())
	require.NoError(t, err)
	for k := range predicted {
		gel := predicted[k][model.BulkBins:]
		for i := range gel {
			ds.Profiles[k+1][i] = gel[i] / params.Scales[k]
		}
	}
	return ds
}

func syntheticProblem(t testing.TB, params Parameters) *Problem {
	t.Helper()
	p, err := NewProblem(syntheticDataset(t, params, truthTimes), testOptions())
	require.NoError(t, err)
	return p
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if x < 0 {
			x = -x
		}
		if x > m {
			m = x
		}
	}
	return m
}
