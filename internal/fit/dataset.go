package fit

import (
	"encoding/json"
	"io"
	"math"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

// Dataset is one block experiment: concentration profiles measured in the
// gel at a series of times.
type Dataset struct {
	// Name identifies the experiment in logs and results.
	Name string `json:"name,omitempty"`
	// Grid holds the gel bin positions in µm.
	Grid []float64 `json:"grid"`
	// Times holds the measurement time of every profile in s. Times[0] is
	// the start of the experiment and must be zero.
	Times []float64 `json:"times"`
	// Profiles holds one gel concentration profile (µM) per time stamp.
	// Profiles[0] is the profile at t=0; it may be omitted (empty) when
	// InitialBulk is set.
	Profiles [][]float64 `json:"profiles"`
	// InitialBulk, when positive, starts the experiment from a uniform bulk
	// concentration (µM) and an empty gel instead of Profiles[0].
	InitialBulk float64 `json:"initial_bulk,omitempty"`
	// TotalLength is the length of the whole domain in µm; zero selects the
	// configured default.
	TotalLength float64 `json:"total_length,omitempty"`
}

// DecodeDataset reads a JSON dataset from r and validates it.
func DecodeDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return nil, errors.Wrapf(err, "fit.DecodeDataset", "invalid dataset").WithComponent("fit")
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Validate checks the shape of the dataset.
func (ds *Dataset) Validate() error {
	const op = "fit.Dataset.Validate"

	if err := model.ValidateGrid(ds.Grid); err != nil {
		return err
	}
	if len(ds.Times) < 2 {
		return errors.Precondition(op, "need the start time and at least one measurement, got %d times", len(ds.Times))
	}
	if len(ds.Profiles) != len(ds.Times) {
		return errors.Precondition(op, "got %d profiles for %d times", len(ds.Profiles), len(ds.Times))
	}
	if ds.Times[0] != 0 {
		return errors.Precondition(op, "first time stamp must be 0, got %g", ds.Times[0])
	}
	for k := 1; k < len(ds.Times); k++ {
		if ds.Times[k] <= ds.Times[k-1] {
			return errors.Precondition(op, "time stamps are not strictly increasing at index %d", k)
		}
		if _, err := timeStep(ds.Times[k]); err != nil {
			return err
		}
	}
	for k, c := range ds.Profiles {
		if k == 0 && len(c) == 0 && ds.InitialBulk > 0 {
			continue
		}
		if len(c) != len(ds.Grid) {
			return errors.Precondition(op, "profile %d has %d bins, grid has %d", k, len(c), len(ds.Grid))
		}
		for i, v := range c {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Precondition(op, "profile %d has a non-finite value at bin %d", k, i)
			}
		}
	}
	if ds.InitialBulk < 0 {
		return errors.Precondition(op, "initial bulk concentration must not be negative, got %g", ds.InitialBulk)
	}
	return nil
}

// Steps converts the late-time stamps to propagation steps.
func (ds *Dataset) Steps() ([]int, error) {
	steps := make([]int, 0, len(ds.Times)-1)
	for _, t := range ds.Times[1:] {
		s, err := timeStep(t)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// timeStep returns t as a whole number of seconds. Propagation raises
// exp(W) to integer powers, so measurement times must lie on that lattice.
func timeStep(t float64) (int, error) {
	r := math.Round(t)
	if r < 0 || math.Abs(t-r) > 1e-9*math.Max(1, math.Abs(t)) {
		return 0, errors.Precondition("fit.timeStep", "time stamp %g s is not a non-negative whole number of seconds", t)
	}
	return int(r), nil
}
