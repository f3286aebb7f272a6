package fit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/metrics"
)

// Result is the record of one optimization run.
type Result struct {
	Run         int           `json:"run"`
	Init        []float64     `json:"init"`
	Params      []float64     `json:"params,omitempty"`
	Cost        float64       `json:"cost"`
	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the run produced a usable parameter vector.
func (r Result) OK() bool {
	return r.Error == "" && r.Params != nil
}

// Recorder persists results as they complete.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// DriverOptions configures a multi-start sweep.
type DriverOptions struct {
	// Runs is the number of starts.
	Runs int
	// Workers bounds the number of concurrent solves; values below 2 run
	// the starts sequentially.
	Workers int
	// Seed makes the start draws reproducible; zero seeds from the clock.
	Seed     uint64
	Sampling Sampling
	Solver   SolverSettings
	// Verbosity 0 logs failures only, 1 adds a line per run, 2 adds solver
	// iterations.
	Verbosity int
	// OnResult, if set, is called for every completed run in completion
	// order from a single goroutine.
	OnResult func(Result)
}

// Outcome is what a sweep produced.
type Outcome struct {
	// Results holds the completed runs ordered by run index.
	Results []Result
	// Starts is the number of runs that were planned.
	Starts int
	// Interrupted is set when the context ended the sweep early.
	Interrupted bool
}

// Driver runs independent least-squares solves from randomized starts.
type Driver struct {
	opts     DriverOptions
	logger   *zap.Logger
	recorder Recorder
	metrics  *metrics.Collector

	solve func(p *Problem, x0 []float64, s SolverSettings) (*Solution, error)
}

// NewDriver creates a driver. recorder and m may be nil.
func NewDriver(opts DriverOptions, logger *zap.Logger, recorder Recorder, m *metrics.Collector) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		opts:     opts,
		logger:   logger.Named("driver"),
		recorder: recorder,
		metrics:  m,
		solve:    Solve,
	}
}

// Starts returns the start vectors of the sweep.
func (d *Driver) Starts(p *Problem) [][]float64 {
	dMax := p.Bounds.Upper[IndexD1]
	xMax := p.Disc.Grid[len(p.Disc.Grid)-1]
	draws := DrawDiffusivities(d.opts.Runs, dMax, d.opts.Sampling, d.opts.Seed)

	starts := make([][]float64, len(draws))
	for i, dd := range draws {
		starts[i] = InitialGuess(dd, len(p.Measured), p.Disc.Dx, xMax)
	}
	return starts
}

// Run executes the sweep. Cancelling ctx stops issuing new runs; runs in
// flight complete and the outcome holds everything that finished. A
// precondition or consistency error aborts the sweep and is returned
// together with the runs completed so far. Any other failure is recorded
// on its run only.
func (d *Driver) Run(ctx context.Context, p *Problem) (*Outcome, error) {
	const op = "fit.Driver.Run"

	if d.opts.Runs < 1 {
		return nil, errors.Precondition(op, "number of runs must be positive, got %d", d.opts.Runs)
	}

	starts := d.Starts(p)
	out := &Outcome{Starts: len(starts)}

	d.metrics.SweepStarted()
	d.logger.Info("starting sweep",
		zap.Int("runs", len(starts)),
		zap.Int("workers", d.opts.Workers),
		zap.String("method", d.opts.Solver.Method.String()),
		zap.String("sampling", d.opts.Sampling.String()))

	var err error
	if d.opts.Workers > 1 {
		err = d.runPool(ctx, p, starts, out)
	} else {
		err = d.runSequential(ctx, p, starts, out)
	}

	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].Run < out.Results[j].Run })
	out.Interrupted = err == nil && ctx.Err() != nil && len(out.Results) < len(starts)

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
		d.logFatal(err)
	case out.Interrupted:
		outcome = "interrupted"
		d.logger.Warn("sweep interrupted, continuing with completed runs",
			zap.Int("completed", len(out.Results)),
			zap.Int("planned", len(starts)))
	}
	d.metrics.SweepFinished(outcome)

	if err != nil {
		return out, errors.Wrap(err, op)
	}
	return out, nil
}

func (d *Driver) runSequential(ctx context.Context, p *Problem, starts [][]float64, out *Outcome) error {
	for i, x0 := range starts {
		if ctx.Err() != nil {
			return nil
		}
		res, err := d.runOne(p, i, x0)
		if err != nil {
			return err
		}
		if err := d.collect(ctx, p, res, out); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) runPool(ctx context.Context, p *Problem, starts [][]float64, out *Outcome) error {
	type completed struct {
		res Result
		err error
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	done := make(chan completed)

	go func() {
		defer close(jobs)
		for i := range starts {
			if runCtx.Err() != nil {
				return
			}
			select {
			case <-runCtx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < d.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := d.runOne(p, i, starts[i])
				done <- completed{res: res, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	var fatal error
	for c := range done {
		if fatal != nil {
			continue
		}
		if c.err == nil {
			c.err = d.collect(ctx, p, c.res, out)
		}
		if c.err != nil {
			fatal = c.err
			cancel()
		}
	}
	return fatal
}

// runOne solves from x0. Panics and numerical errors are confined to the
// returned result; only sweep-fatal errors are returned.
func (d *Driver) runOne(p *Problem, run int, x0 []float64) (res Result, fatal error) {
	start := time.Now()
	res = Result{Run: run, Init: append([]float64(nil), x0...)}

	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", rec)
			res.Params = nil
			fatal = nil
			d.logger.Error("run panicked",
				zap.Int("run", run),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
		res.Duration = time.Since(start)
		d.metrics.ObserveRun(d.opts.Solver.Method.String(), res.Status, res.Duration)
	}()

	settings := d.opts.Solver
	if d.opts.Verbosity >= 2 {
		settings.Logger = d.logger.With(zap.Int("run", run))
	} else {
		settings.Logger = zap.NewNop()
	}

	sol, err := d.solve(p, x0, settings)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		if isFatal(err) {
			return res, err
		}
		d.logger.Warn("run failed", zap.Int("run", run), zap.Error(err))
		return res, nil
	}

	res.Params = sol.X
	res.Cost = sol.Cost
	res.Iterations = sol.Iterations
	res.Evaluations = sol.Evaluations
	res.Status = sol.Status
	return res, nil
}

func (d *Driver) collect(ctx context.Context, p *Problem, res Result, out *Outcome) error {
	out.Results = append(out.Results, res)

	if res.OK() {
		e := p.NormalizedError(res.Cost)
		d.metrics.ObserveError(e)
		if d.opts.Verbosity >= 1 {
			d.logger.Info("run finished",
				zap.Int("run", res.Run),
				zap.Int("of", out.Starts),
				zap.String("status", res.Status),
				zap.Float64("cost", res.Cost),
				zap.Float64("error", e),
				zap.Int("iterations", res.Iterations),
				zap.Duration("duration", res.Duration))
		}
	}

	if d.recorder != nil {
		// Persist even when the sweep is being cancelled.
		if err := d.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
			return errors.Wrapf(err, "fit.Driver.collect", "persisting run %d", res.Run)
		}
	}
	if d.opts.OnResult != nil {
		d.opts.OnResult(res)
	}
	return nil
}

func (d *Driver) logFatal(err error) {
	var ce *errors.ConsistencyError
	if errors.As(err, &ce) {
		fields := []zap.Field{zap.Error(err)}
		for k, v := range ce.Fields() {
			fields = append(fields, zap.Any(k, v))
		}
		d.logger.Error("sweep aborted on consistency violation", fields...)
		return
	}
	d.logger.Error("sweep aborted", zap.Error(err))
}
