// Command dffit runs a multi-start fit of one block experiment and writes the
// estimate tables.
//
// Usage:
//
//	dffit -input dataset.json -out results/block
//	dffit -analyze [-sweep id] -out results/block
//
// SIGINT stops issuing new runs; the runs that completed are aggregated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/woldeaman/diffusion-df-extraction/internal/config"
	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
	"github.com/woldeaman/diffusion-df-extraction/internal/logging"
	"github.com/woldeaman/diffusion-df-extraction/internal/report"
	"github.com/woldeaman/diffusion-df-extraction/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	var (
		input    = flag.String("input", config.GetEnv("FIT_INPUT", ""), "dataset JSON file")
		out      = flag.String("out", "", "directory for the estimate tables (default RESULTS_DIR/<dataset>)")
		analyze  = flag.Bool("analyze", cfg.Fit.AnalysisOnly, "re-aggregate stored runs instead of fitting")
		sweepID  = flag.String("sweep", "", "sweep to analyze (default: the most recent one)")
		runs     = flag.Int("runs", cfg.Fit.Runs, "number of starts")
		workers  = flag.Int("workers", cfg.Optimization.WorkerCount, "concurrent solves")
		top      = flag.Float64("top", cfg.Fit.TopPercent, "fraction of the lowest-cost runs to average")
		noBar    = flag.Bool("quiet", false, "disable the progress bar")
		logLevel = flag.String("log-level", cfg.Logging.Level, "log level")
	)
	flag.Parse()

	logger, err := logging.NewLogger(&logging.Config{
		Level:     *logLevel,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		Verbosity: cfg.Fit.Verbosity,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(2)
	}

	cfg.Fit.Runs = *runs
	cfg.Optimization.WorkerCount = *workers
	cfg.Fit.TopPercent = *top
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid settings", map[string]interface{}{"error": err.Error()})
	}

	st, err := store.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to open result store", map[string]interface{}{"error": err.Error()})
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, logger: logger, store: st, out: *out, progress: !*noBar}
	if *analyze {
		err = app.analyze(ctx, *sweepID)
	} else {
		err = app.fit(ctx, *input)
	}
	if err != nil {
		logger.Error("dffit failed", map[string]interface{}{
			"error": err.Error(),
			"kind":  errors.KindOf(err).String(),
		})
		st.Close()
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    store.Store
	out      string
	progress bool
}

// fit runs a new sweep on the dataset at path.
func (a *app) fit(ctx context.Context, path string) error {
	const op = "dffit.fit"

	if path == "" {
		return errors.Precondition(op, "-input is required unless -analyze is set")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, op, "opening %s", path)
	}
	ds, err := fit.DecodeDataset(f)
	f.Close()
	if err != nil {
		return err
	}
	if ds.Name == "" {
		ds.Name = trimExt(filepath.Base(path))
	}

	p, err := fit.NewProblem(ds, a.cfg.ProblemOptions())
	if err != nil {
		return err
	}

	sw := store.Sweep{ID: uuid.New().String(), Dataset: ds.Name, Created: time.Now(), Data: ds}
	if err := a.store.CreateSweep(ctx, sw); err != nil {
		return err
	}
	logger := a.logger.WithSweep(sw.ID).WithField("dataset", ds.Name)

	opts := a.cfg.DriverOptions()
	if a.progress {
		bar := progressbar.NewOptions(opts.Runs,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("fitting "+ds.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		opts.OnResult = func(fit.Result) { bar.Add(1) }
	}

	driver := fit.NewDriver(opts, logging.NewZapLogger(logger), store.NewRecorder(a.store, sw.ID), nil)
	outcome, err := driver.Run(ctx, p)
	if err != nil {
		return err
	}
	if outcome.Interrupted {
		logger.Warn("Interrupted, aggregating completed runs", map[string]interface{}{
			"completed": len(outcome.Results),
			"planned":   outcome.Starts,
		})
	}
	return a.write(p, outcome.Results, ds, sw.ID, logger)
}

// analyze re-aggregates the stored runs of a sweep.
func (a *app) analyze(ctx context.Context, id string) error {
	const op = "dffit.analyze"

	if id == "" {
		sweeps, err := a.store.ListSweeps(ctx)
		if err != nil {
			return err
		}
		if len(sweeps) == 0 {
			return errors.Precondition(op, "no stored sweeps in %s", a.cfg.Database.DSN)
		}
		id = sweeps[len(sweeps)-1].ID
	}

	sw, err := a.store.GetSweep(ctx, id)
	if err != nil {
		return err
	}
	if sw.Data == nil {
		return errors.Precondition(op, "sweep %s has no stored dataset", id)
	}
	p, err := fit.NewProblem(sw.Data, a.cfg.ProblemOptions())
	if err != nil {
		return err
	}
	results, err := a.store.Results(ctx, id)
	if err != nil {
		return err
	}

	logger := a.logger.WithSweep(id).WithField("dataset", sw.Dataset)
	logger.Info("Analyzing stored runs", map[string]interface{}{"runs": len(results)})
	return a.write(p, results, sw.Data, id, logger)
}

func (a *app) write(p *fit.Problem, results []fit.Result, ds *fit.Dataset, id string, logger *logging.Logger) error {
	est, err := fit.Aggregate(results, p, a.cfg.Fit.TopPercent)
	if err != nil {
		return err
	}

	dir := a.out
	if dir == "" {
		dir = filepath.Join(a.cfg.ResultsDir, ds.Name)
	}
	meta := report.Summary{Dataset: ds.Name, SweepID: id}
	if err := report.Write(dir, p, est, ds.Times, meta); err != nil {
		return err
	}

	s := est.Summary()
	logger.Info("Estimate written", map[string]interface{}{
		"dir":        dir,
		"runs":       est.Runs,
		"selected":   est.Selected,
		"min_error":  s.MinError,
		"delta_f":    strconv.FormatFloat(s.DeltaF.Mean, 'f', 3, 64),
		"delta_fstd": strconv.FormatFloat(s.DeltaF.Std, 'f', 3, 64),
	})
	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
