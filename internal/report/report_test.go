package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

func testProblem(t *testing.T) *fit.Problem {
	t.Helper()
	p, err := fit.NewProblem(&fit.Dataset{
		Grid:     []float64{10, 20, 30},
		Times:    []float64{0, 60},
		Profiles: [][]float64{{4, 0, 0}, {3, 1, 0.5}},
	}, fit.ProblemOptions{TotalLength: 380, DMax: 1000, FMax: 20, Shape: model.ShapeSigmoidal})
	require.NoError(t, err)
	return p
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v + float64(i)
	}
	return out
}

func testEstimate() *fit.Estimate {
	const bins = 9
	return &fit.Estimate{
		TopPercent: 0.5,
		Runs:       4,
		Selected:   2,
		Errors:     []float64{0.01, 0.02},
		Best: fit.Result{
			Run:    3,
			Params: []float64{300, 30, 0, -1, 20, 5, 1.1},
		},
		Mean:          []float64{310, 31, 0.1, -0.9, 21, 6, 1.2},
		Std:           []float64{5, 1, 0.05, 0.1, 1, 0.5, 0.05},
		DBest:         filled(bins, 300),
		FBest:         filled(bins, -2),
		DMean:         filled(bins, 310),
		FMean:         filled(bins, 1),
		DStd:          filled(bins, 5),
		FStd:          filled(bins, 0.1),
		CBulkBest:     []float64{3.5},
		CBulkMean:     []float64{3.4},
		CBulkStd:      []float64{0.2},
		Concentration: [][]float64{filled(bins, 4), filled(bins, 2)},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func parse(t *testing.T, s string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err)
	return v
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	p := testProblem(t)
	est := testEstimate()

	require.NoError(t, Write(dir, p, est, []float64{0, 60}, Summary{Dataset: "block", SweepID: "abc"}))

	conc := readCSV(t, filepath.Join(dir, ConcentrationFile))
	require.Len(t, conc, 10)
	assert.Equal(t, []string{"x_um", "c_t0s_uM", "c_t60s_uM"}, conc[0])
	assert.Equal(t, 10.0, parse(t, conc[7][0]), "first gel bin sits at the first grid point")
	assert.Equal(t, 4.0, parse(t, conc[1][1]))
	assert.Equal(t, 10.0, parse(t, conc[9][2]))

	df := readCSV(t, filepath.Join(dir, DFAvgFile))
	require.Len(t, df, 10)
	assert.Equal(t, []string{"x_um", "d_mean_um2_s", "d_std_um2_s", "f_mean_kt", "f_std_kt"}, df[0])
	assert.Equal(t, 0.0, parse(t, df[1][3]), "free energy is relative to the first bin")
	assert.Equal(t, 8.0, parse(t, df[9][3]))

	best := readCSV(t, filepath.Join(dir, DFBestFile))
	assert.Equal(t, 300.0, parse(t, best[1][1]))
	assert.Equal(t, 0.0, parse(t, best[1][2]))

	errs := readCSV(t, filepath.Join(dir, MinErrorFile))
	assert.Equal(t, [][]string{{"rank", "error_uM"}, {"1", "0.01"}, {"2", "0.02"}}, errs)

	bulk := readCSV(t, filepath.Join(dir, CBulkAvgFile))
	assert.Equal(t, [][]string{{"t_s", "c_bulk_mean_uM", "c_bulk_std_uM"}, {"60", "3.4", "0.2"}}, bulk)
	bulkBest := readCSV(t, filepath.Join(dir, CBulkBestFile))
	assert.Equal(t, [][]string{{"t_s", "c_bulk_uM"}, {"60", "3.5"}}, bulkBest)

	raw, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "block", s.Dataset)
	assert.Equal(t, "abc", s.SweepID)
	assert.Equal(t, 0.5, s.TopPercent)
	assert.InDelta(t, -1.0, s.DeltaF.Mean, 1e-12)
	assert.InDelta(t, 0.15, s.DeltaF.Std, 1e-12)
	assert.InDelta(t, -1, s.DeltaF.Best, 1e-12)
	assert.Equal(t, 0.01, s.MinError)
}

func TestWriteRejectsMismatchedTimes(t *testing.T) {
	err := Write(t.TempDir(), testProblem(t), testEstimate(), []float64{0, 60, 120}, Summary{})
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))
}

func TestWriteSummaryFlattensFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, Summary{Dataset: "d", Summary: testEstimate().Summary()}))

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Contains(t, m, "d_bulk")
	assert.Contains(t, m, "delta_f")
	assert.Contains(t, m, "min_error")
	assert.Equal(t, "d", m["dataset"])
}
