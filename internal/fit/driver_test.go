package fit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/metrics"
)

type memRecorder struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (m *memRecorder) Record(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.results = append(m.results, r)
	return nil
}

func newTestDriver(t *testing.T, opts DriverOptions, rec Recorder) *Driver {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return NewDriver(opts, zaptest.NewLogger(t), rec, m)
}

// converge is a solve stub that returns the start vector unchanged.
func converge(p *Problem, x0 []float64, _ SolverSettings) (*Solution, error) {
	return &Solution{X: append([]float64(nil), x0...), Cost: 1, Iterations: 1, Status: StatusConverged}, nil
}

// nthCall wraps solve so that call n (zero based) is replaced by fail.
func nthCall(n int, fail func() (*Solution, error)) func(*Problem, []float64, SolverSettings) (*Solution, error) {
	var mu sync.Mutex
	calls := 0
	return func(p *Problem, x0 []float64, s SolverSettings) (*Solution, error) {
		mu.Lock()
		call := calls
		calls++
		mu.Unlock()
		if call == n {
			return fail()
		}
		return converge(p, x0, s)
	}
}

func TestDriverIsolatesRunFailures(t *testing.T) {
	p := syntheticProblem(t, truth)
	rec := &memRecorder{}
	d := newTestDriver(t, DriverOptions{Runs: 6, Seed: 1, Verbosity: 1}, rec)

	calls := 0
	d.solve = func(p *Problem, x0 []float64, s SolverSettings) (*Solution, error) {
		calls++
		switch calls {
		case 2:
			panic("singular matrix")
		case 4:
			return nil, errors.Numerical("test", stderrors.New("matrix exponential overflow"))
		}
		return converge(p, x0, s)
	}

	out, err := d.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, out.Results, 6)
	assert.False(t, out.Interrupted)

	assert.False(t, out.Results[1].OK())
	assert.Equal(t, StatusFailed, out.Results[1].Status)
	assert.Contains(t, out.Results[1].Error, "panic")
	assert.False(t, out.Results[3].OK())
	assert.Contains(t, out.Results[3].Error, "overflow")

	ok := 0
	for i, r := range out.Results {
		assert.Equal(t, i, r.Run)
		if r.OK() {
			ok++
			assert.Equal(t, r.Init, r.Params)
		}
	}
	assert.Equal(t, 4, ok)
	assert.Len(t, rec.results, 6, "failed runs are persisted too")
}

func TestDriverAbortsOnFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errors.Kind
	}{
		{"consistency", &errors.ConsistencyError{Check: "column-sum", Message: "columns do not sum to zero", Discrepancy: 0.3}, errors.KindConsistency},
		{"precondition", errors.Precondition("test", "bad grid"), errors.KindPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := syntheticProblem(t, truth)
			d := newTestDriver(t, DriverOptions{Runs: 5, Seed: 1}, nil)
			d.solve = nthCall(2, func() (*Solution, error) { return nil, tt.err })

			out, err := d.Run(context.Background(), p)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)
			require.NotNil(t, out)
			assert.Len(t, out.Results, 2, "runs completed before the violation are kept")
			assert.False(t, out.Interrupted)
		})
	}
}

func TestDriverCancellationKeepsCompletedRuns(t *testing.T) {
	for _, workers := range []int{1, 3} {
		p := syntheticProblem(t, truth)
		ctx, cancel := context.WithCancel(context.Background())

		var seen int
		d := newTestDriver(t, DriverOptions{
			Runs:    50,
			Workers: workers,
			Seed:    1,
			OnResult: func(Result) {
				seen++
				cancel()
			},
		}, nil)
		d.solve = converge

		out, err := d.Run(ctx, p)
		cancel()
		require.NoError(t, err)
		assert.True(t, out.Interrupted, "workers %d", workers)
		assert.NotEmpty(t, out.Results)
		assert.Less(t, len(out.Results), 50)
		assert.Equal(t, seen, len(out.Results))
		assert.Equal(t, 50, out.Starts)
		if workers == 1 {
			assert.Len(t, out.Results, 1)
		}
	}
}

func TestDriverWorkerPool(t *testing.T) {
	p := syntheticProblem(t, truth)
	rec := &memRecorder{}
	opts := DriverOptions{Runs: 20, Workers: 4, Seed: 9, Sampling: LatinHypercube}
	d := newTestDriver(t, opts, rec)
	d.solve = converge

	out, err := d.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, out.Results, 20)

	starts := d.Starts(p)
	for i, r := range out.Results {
		assert.Equal(t, i, r.Run)
		assert.Equal(t, starts[i], r.Init)
		assert.True(t, r.OK())
	}
	assert.Len(t, rec.results, 20)
}

func TestDriverPoolAbortsOnConsistencyViolation(t *testing.T) {
	p := syntheticProblem(t, truth)
	d := newTestDriver(t, DriverOptions{Runs: 30, Workers: 3, Seed: 2}, nil)
	d.solve = nthCall(4, func() (*Solution, error) {
		return nil, &errors.ConsistencyError{Check: "mass-conservation", Message: "mass drift", Discrepancy: 0.2}
	})

	out, err := d.Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConsistency))
	assert.False(t, out.Interrupted)
	assert.Less(t, len(out.Results), 30)
}

func TestDriverRecorderFailure(t *testing.T) {
	p := syntheticProblem(t, truth)
	d := newTestDriver(t, DriverOptions{Runs: 3, Seed: 1}, &memRecorder{err: stderrors.New("disk full")})
	d.solve = converge

	_, err := d.Run(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestDriverPreconditions(t *testing.T) {
	p := syntheticProblem(t, truth)
	d := NewDriver(DriverOptions{Runs: 0}, nil, nil, nil)

	_, err := d.Run(context.Background(), p)
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))
}

func TestDriverStartsWithinBounds(t *testing.T) {
	p := syntheticProblem(t, truth)
	d := NewDriver(DriverOptions{Runs: 16, Seed: 3}, nil, nil, nil)

	for _, x0 := range d.Starts(p) {
		require.Len(t, x0, p.NumParams())
		assert.True(t, p.Bounds.Contains(x0))
		v := Unpack(x0)
		assert.Equal(t, [2]float64{0, 0}, v.F)
		assert.Equal(t, 100.0, v.Interface)
	}
}

func TestDriverRecoversSyntheticProfiles(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-start fit in short mode")
	}

	p := syntheticProblem(t, truth)
	d := newTestDriver(t, DriverOptions{
		Runs:     16,
		Workers:  4,
		Seed:     5,
		Sampling: LatinHypercube,
		Solver:   DefaultSolverSettings(),
	}, nil)

	out, err := d.Run(context.Background(), p)
	require.NoError(t, err)

	est, err := Aggregate(out.Results, p, 0.25)
	require.NoError(t, err)
	best := Unpack(est.Best.Params)

	assert.Less(t, est.Errors[0], 1e-3)
	assert.InEpsilon(t, truth.D[0], best.D[0], 0.05)
	assert.InEpsilon(t, truth.D[1], best.D[1], 0.05)
	assert.InEpsilon(t, truth.Interface, best.Interface, 0.05)
	assert.InDelta(t, truth.DeltaF(), best.DeltaF(), 0.05)
}
