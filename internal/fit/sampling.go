package fit

import (
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
)

// Sampling selects how the initial diffusivity levels are drawn.
type Sampling int

const (
	// UniformSampling draws every level independently from U(0, DMax).
	UniformSampling Sampling = iota
	// LatinHypercube stratifies each level into one interval per run.
	LatinHypercube
)

// ParseSampling parses "uniform" or "lhs".
func ParseSampling(name string) (Sampling, error) {
	switch name {
	case "", "uniform":
		return UniformSampling, nil
	case "lhs", "latin-hypercube":
		return LatinHypercube, nil
	default:
		return 0, errors.Precondition("fit.ParseSampling", "unknown sampling %q", name)
	}
}

// String returns the canonical sampling name.
func (s Sampling) String() string {
	if s == LatinHypercube {
		return "lhs"
	}
	return "uniform"
}

// newRand returns a generator for seed, or a time-seeded one for seed 0.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// DrawDiffusivities returns runs pairs of initial diffusivity levels in
// [0, dMax].
func DrawDiffusivities(runs int, dMax float64, method Sampling, seed uint64) [][2]float64 {
	rng := newRand(seed)
	switch method {
	case LatinHypercube:
		return latinHypercubeSample(rng, runs, dMax)
	default:
		return uniformSample(rng, runs, dMax)
	}
}

func uniformSample(rng *rand.Rand, n int, dMax float64) [][2]float64 {
	dist := distuv.Uniform{Min: 0, Max: dMax, Src: rng}
	samples := make([][2]float64, n)
	for i := range samples {
		samples[i] = [2]float64{dist.Rand(), dist.Rand()}
	}
	return samples
}

// latinHypercubeSample generates points using Latin Hypercube Sampling
func latinHypercubeSample(rng *rand.Rand, n int, dMax float64) [][2]float64 {
	samples := make([][2]float64, n)

	for dim := 0; dim < 2; dim++ {
		// Generate stratified random samples
		strata := make([]float64, n)
		for j := range strata {
			strata[j] = float64(j) + rng.Float64()
		}

		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})

		// Scale to [0, dMax]
		for j := range strata {
			samples[j][dim] = strata[j] / float64(n) * dMax
		}
	}

	return samples
}
