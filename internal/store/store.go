// Package store persists sweeps and their per-run fit records so that an
// interrupted or finished sweep can be re-aggregated later.
package store

import (
	"context"
	"time"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
)

// Sweep describes a persisted multi-start sweep.
type Sweep struct {
	ID      string    `json:"id"`
	Dataset string    `json:"dataset"`
	Created time.Time `json:"created"`
	// Dataset payload the sweep was run on, needed to rebuild the problem in
	// analysis-only mode.
	Data *fit.Dataset `json:"data,omitempty"`
}

// Store persists sweeps and their results.
type Store interface {
	// CreateSweep registers a new sweep. Creating an existing ID is an error.
	CreateSweep(ctx context.Context, sw Sweep) error
	// GetSweep returns the sweep with the given ID.
	GetSweep(ctx context.Context, id string) (*Sweep, error)
	// ListSweeps returns all sweeps, oldest first.
	ListSweeps(ctx context.Context) ([]Sweep, error)
	// AppendResult stores a run result. Storing the same run twice replaces
	// the earlier record.
	AppendResult(ctx context.Context, sweepID string, r fit.Result) error
	// Results returns the stored results of a sweep ordered by run index.
	Results(ctx context.Context, sweepID string) ([]fit.Result, error)
	// Close releases the underlying resources.
	Close() error
}

// Open returns the store selected by kind ("file" or "sqlite"). For the
// file store dsn is a directory, for sqlite a database path or DSN.
func Open(kind, dsn string) (Store, error) {
	switch kind {
	case "file", "":
		return NewFileStore(dsn)
	case "sqlite":
		return OpenSQLite(dsn)
	default:
		return nil, errors.Precondition("store.Open", "unknown store type %q", kind)
	}
}

// ErrNotFound is returned when a sweep does not exist.
var ErrNotFound = errors.New(errors.KindPrecondition, "sweep not found")

// Recorder adapts a Store to fit.Recorder for one sweep.
type Recorder struct {
	store   Store
	sweepID string
}

var _ fit.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder that appends to sweepID.
func NewRecorder(s Store, sweepID string) *Recorder {
	return &Recorder{store: s, sweepID: sweepID}
}

// Record implements fit.Recorder.
func (r *Recorder) Record(ctx context.Context, res fit.Result) error {
	return r.store.AppendResult(ctx, r.sweepID, res)
}
