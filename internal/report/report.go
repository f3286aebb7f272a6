// Package report writes the estimate tables and the summary record of a
// sweep.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
)

// File names written by Write.
const (
	ConcentrationFile = "concentration.csv"
	DFAvgFile         = "df_avg.csv"
	DFBestFile        = "df_best.csv"
	MinErrorFile      = "min_error.csv"
	CBulkAvgFile      = "c_bulk_avg.csv"
	CBulkBestFile     = "c_bulk_best.csv"
	SummaryFile       = "summary.json"
)

// Summary is the record written to SummaryFile.
type Summary struct {
	Dataset    string  `json:"dataset,omitempty"`
	SweepID    string  `json:"sweep_id,omitempty"`
	TopPercent float64 `json:"top_percent"`
	fit.Summary
}

// Write stores every table of est in dir. times holds the time stamps of
// the series in est.Concentration, t=0 first.
func Write(dir string, p *fit.Problem, est *fit.Estimate, times []float64, meta Summary) error {
	const op = "report.Write"

	if len(times) != len(est.Concentration) {
		return errors.Precondition(op, "got %d time stamps for %d profiles", len(times), len(est.Concentration))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, op, "creating %s", dir)
	}

	x := p.Disc.Positions()
	tables := []struct {
		name  string
		write func(io.Writer) error
	}{
		{ConcentrationFile, func(w io.Writer) error { return WriteConcentration(w, x, times, est.Concentration) }},
		{DFAvgFile, func(w io.Writer) error { return WriteDFAvg(w, x, est) }},
		{DFBestFile, func(w io.Writer) error { return WriteDFBest(w, x, est) }},
		{MinErrorFile, func(w io.Writer) error { return WriteErrors(w, est.Errors) }},
		{CBulkAvgFile, func(w io.Writer) error { return WriteCBulkAvg(w, times[1:], est) }},
		{CBulkBestFile, func(w io.Writer) error { return WriteCBulkBest(w, times[1:], est) }},
		{SummaryFile, func(w io.Writer) error {
			meta.TopPercent = est.TopPercent
			meta.Summary = est.Summary()
			return WriteSummary(w, meta)
		}},
	}
	for _, tbl := range tables {
		if err := writeFile(filepath.Join(dir, tbl.name), tbl.write); err != nil {
			return errors.Wrapf(err, op, "writing %s", tbl.name)
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func writeRows(w io.Writer, header []string, rows [][]float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, 0, len(header))
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatFloat(v))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteConcentration writes one row per bin: the position followed by the
// concentration at every time stamp.
func WriteConcentration(w io.Writer, x, times []float64, series [][]float64) error {
	header := []string{"x_um"}
	for _, t := range times {
		header = append(header, fmt.Sprintf("c_t%gs_uM", t))
	}
	rows := make([][]float64, len(x))
	for i := range x {
		row := []float64{x[i]}
		for _, c := range series {
			row = append(row, c[i])
		}
		rows[i] = row
	}
	return writeRows(w, header, rows)
}

// WriteDFAvg writes the averaged profiles. Free energies are relative to
// the first bin.
func WriteDFAvg(w io.Writer, x []float64, est *fit.Estimate) error {
	rows := make([][]float64, len(x))
	for i := range x {
		rows[i] = []float64{x[i], est.DMean[i], est.DStd[i], est.FMean[i] - est.FMean[0], est.FStd[i]}
	}
	return writeRows(w, []string{"x_um", "d_mean_um2_s", "d_std_um2_s", "f_mean_kt", "f_std_kt"}, rows)
}

// WriteDFBest writes the profiles of the best run. Free energies are
// relative to the first bin.
func WriteDFBest(w io.Writer, x []float64, est *fit.Estimate) error {
	rows := make([][]float64, len(x))
	for i := range x {
		rows[i] = []float64{x[i], est.DBest[i], est.FBest[i] - est.FBest[0]}
	}
	return writeRows(w, []string{"x_um", "d_um2_s", "f_kt"}, rows)
}

// WriteErrors writes the normalized errors of the selected runs.
func WriteErrors(w io.Writer, errs []float64) error {
	rows := make([][]float64, len(errs))
	for i, e := range errs {
		rows[i] = []float64{float64(i + 1), e}
	}
	return writeRows(w, []string{"rank", "error_uM"}, rows)
}

// WriteCBulkAvg writes the averaged bulk concentration per late time stamp.
func WriteCBulkAvg(w io.Writer, times []float64, est *fit.Estimate) error {
	rows := make([][]float64, len(times))
	for k, t := range times {
		rows[k] = []float64{t, est.CBulkMean[k], est.CBulkStd[k]}
	}
	return writeRows(w, []string{"t_s", "c_bulk_mean_uM", "c_bulk_std_uM"}, rows)
}

// WriteCBulkBest writes the bulk concentration of the best run per late
// time stamp.
func WriteCBulkBest(w io.Writer, times []float64, est *fit.Estimate) error {
	rows := make([][]float64, len(times))
	for k, t := range times {
		rows[k] = []float64{t, est.CBulkBest[k]}
	}
	return writeRows(w, []string{"t_s", "c_bulk_uM"}, rows)
}

// WriteSummary writes s as indented JSON.
func WriteSummary(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
